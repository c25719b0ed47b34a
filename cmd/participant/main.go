// Command participant is a minimal MEW participant: it joins a space on
// a gateway, relays stdin lines as chat broadcasts, and prints every
// envelope it receives to stdout. It exists as a reference client for
// exercising a gateway and as a template for purpose-built participants
// built on public/participant.Runtime.
//
// Grounded on alfa's cmd/alfa/main.go flag-based CLI surface, adapted
// from alfa's AI-assistant flag set to the handful of knobs a bare
// participant process needs: gateway address, join token, requested id,
// and an optional capability grant file.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/public/participant"
)

func main() {
	var (
		gatewayAddr = flag.String("gateway", "localhost:9100", "gateway address (host:port)")
		token       = flag.String("token", "", "join token")
		id          = flag.String("id", "", "requested participant id")
		capsFile    = flag.String("capabilities", "", "optional YAML file listing this participant's capability grants")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *token == "" {
		log.Fatal("-token is required")
	}

	var caps []capability.Capability
	if *capsFile != "" {
		data, err := os.ReadFile(*capsFile)
		if err != nil {
			log.Fatalf("failed to read capabilities file %s: %v", *capsFile, err)
		}
		if err := yaml.Unmarshal(data, &caps); err != nil {
			log.Fatalf("failed to parse capabilities file %s: %v", *capsFile, err)
		}
	}

	rt := participant.New(participant.Config{
		GatewayAddr:  *gatewayAddr,
		Token:        *token,
		RequestedID:  *id,
		Capabilities: caps,
		Debug:        *debug,
	})

	rt.OnRequest("tools/list", func(req *envelope.Envelope) (interface{}, error) {
		return map[string]interface{}{"tools": []interface{}{}}, nil
	})

	if err := rt.Connect(); err != nil {
		log.Fatalf("failed to connect to gateway %s: %v", *gatewayAddr, err)
	}
	log.Printf("joined as %s, connected to %s", rt.ID(), *gatewayAddr)

	go rt.Run()
	defer rt.Stop()

	readStdin(rt)
}

// readStdin relays each line typed on stdin as a broadcast chat envelope,
// until stdin closes.
func readStdin(rt *participant.Runtime) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		env, err := envelope.New(rt.ID(), "chat", nil, map[string]string{"text": line})
		if err != nil {
			log.Printf("failed to build chat envelope: %v", err)
			continue
		}
		if err := rt.Send(env); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}
