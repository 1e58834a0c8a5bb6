// Command wsmux-echo runs a qmux multiplexor over a WebSocket carrier:
// started as a server it upgrades every incoming connection and, on
// each, echoes every stream opened to port 7; started with -connect it dials a
// server, opens a stream, and echoes stdin off it.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	"github.com/qmuxio/qmux"
	"github.com/qmuxio/qmux/wscarrier"
)

const echoPort = 7

func main() {
	addr := flag.String("addr", ":8080", "listen address (server mode)")
	connect := flag.String("connect", "", "ws:// URL to dial (client mode)")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg := qmux.DefaultConfig()
	if *configPath != "" {
		loaded, err := qmux.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	if *connect != "" {
		runClient(*connect, cfg)
		return
	}
	runServer(*addr, cfg)
}

func runServer(addr string, cfg qmux.Config) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.MaxFrameSize,
		WriteBufferSize: cfg.MaxFrameSize,
	}
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade failed", "err", err)
			return
		}
		carrier := wscarrier.New(conn)
		mux, err := qmux.New(carrier, carrier, cfg.WithIdentifier(r.RemoteAddr))
		if err != nil {
			slog.Error("mux init failed", "err", err)
			return
		}
		l, err := mux.Bind(echoPort)
		if err != nil {
			slog.Error("bind failed", "err", err)
			mux.Close()
			return
		}
		go serveEcho(l)
	})
	log.Printf("listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func serveEcho(l *qmux.Listener) {
	for {
		stream, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			io.Copy(stream, stream)
			stream.Close()
		}()
	}
}

func runClient(url string, cfg qmux.Config) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	carrier := wscarrier.New(conn)
	mux, err := qmux.New(carrier, carrier, cfg)
	if err != nil {
		log.Fatalf("mux init: %v", err)
	}
	defer mux.Close()

	stream, err := mux.Connect(echoPort)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer stream.Close()

	go io.Copy(stream, os.Stdin)
	if _, err := io.Copy(os.Stdout, stream); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
