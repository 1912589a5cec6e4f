package main

import (
	"log"
	"os"

	"github.com/fr3shw3b/seqstream/internal/clientapp"
	"github.com/fr3shw3b/seqstream/pkg/wire"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "client",
		Usage: "Streams sequence identifiers to the server over a lossy link",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server-host",
				Value: "localhost",
				Usage: "The host on which the server is accessible",
			},
			&cli.IntFlag{
				Name:  "server-port",
				Value: 3000,
				Usage: "The port the server is running on",
			},
			&cli.StringFlag{
				Name:  "transport",
				Value: wire.TransportTCP,
				Usage: "The transport to connect over, tcp or websocket",
			},
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "The client id to resume as, a new one is generated when omitted",
			},
			&cli.Int64Flag{
				Name:  "total",
				Usage: "The number of identifiers to transfer, overrides TRANSFER_TOTAL",
			},
		},
		Action: func(cCtx *cli.Context) error {
			return clientapp.Run(clientapp.RunParams{
				ServerHost: cCtx.String("server-host"),
				ServerPort: cCtx.Int("server-port"),
				Transport:  cCtx.String("transport"),
				ClientID:   cCtx.String("client-id"),
				Total:      cCtx.Int64("total"),
			})
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
