package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/docopt/docopt-go"

	"spacecanvas.com/collab"
)

const CollabSimVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab sim server.

Runs the loopback collaboration server: the realtime protocol on /ws and
the durable entity store on /cards and /connections.

Usage:
    collabsim serve [--listen=<addr>] [--space=<name>]...
    collabsim mint-token --name=<name> [--color=<color>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --listen=<addr>    Listen address [default: 127.0.0.1:8200].
    --space=<name>     Pre-create a named public space.
    --name=<name>      Display name for the minted session token.
    --color=<color>    Cursor color for the minted session token [default: #1f6feb].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabSimVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")

	ctx := context.Background()
	server := collab.NewSimServerWithDefaults(ctx)
	defer server.Close()

	if spaceNames, ok := opts["--space"].([]string); ok {
		for _, spaceName := range spaceNames {
			space := server.CreateSpace(spaceName, collab.VisibilityPublic)
			Out.Printf("space %s %s\n", space.SpaceId, space.Name)
		}
	}

	Out.Printf("listening on ws://%s/ws\n", listen)
	if err := server.ListenAndServe(listen); err != nil {
		Err.Fatalf("serve error = %s\n", err)
	}
}

func mintToken(opts docopt.Opts) {
	name, _ := opts.String("--name")
	color, _ := opts.String("--color")

	session := &collab.Session{
		UserId:      collab.NewId(),
		DisplayName: strings.TrimSpace(name),
		Color:       color,
	}
	Out.Printf("%s\n", collab.SimToken(session))
}
