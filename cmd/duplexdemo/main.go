// Command duplexdemo runs two qmux peers in a single process over an
// in-memory duplex pipe: one binds port 23 and greets every connecting
// peer, the other connects and prints what it receives.
package main

import (
	"fmt"
	"io"
	"log"

	"github.com/qmuxio/qmux"
)

func main() {
	carrierA, carrierB := qmux.NewDuplexPipe(64)

	muxA, err := qmux.New(carrierA, carrierA, qmux.DefaultConfig())
	if err != nil {
		log.Fatalf("mux A: %v", err)
	}
	defer muxA.Close()

	muxB, err := qmux.New(carrierB, carrierB, qmux.DefaultConfig())
	if err != nil {
		log.Fatalf("mux B: %v", err)
	}
	defer muxB.Close()

	l, err := muxA.Bind(23)
	if err != nil {
		log.Fatalf("bind: %v", err)
	}
	go func() {
		for {
			stream, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				stream.Write([]byte("Hello, world!"))
				stream.Close()
			}()
		}
	}()

	stream, err := muxB.Connect(23)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	fmt.Printf("%s\n", data)
}
