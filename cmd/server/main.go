package main

import (
	"log"
	"os"

	"github.com/fr3shw3b/seqstream/internal/serverapp"
	"github.com/fr3shw3b/seqstream/pkg/wire"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "server",
		Usage: "Receives and acknowledges sequence identifier streams",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: 3000,
				Usage: "The port to run the server on",
			},
			&cli.StringFlag{
				Name:  "transport",
				Value: wire.TransportTCP,
				Usage: "The transport to accept, tcp or websocket",
			},
			&cli.IntFlag{
				Name:  "stats-port",
				Value: 0,
				Usage: "The port serving /stats with the tcp transport, 0 disables it",
			},
		},
		Action: func(cCtx *cli.Context) error {
			return serverapp.Run(cCtx.Int("port"), cCtx.String("transport"), cCtx.Int("stats-port"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
