// Command client is the interactive chat shell. All protocol and rendezvous
// logic lives in internal/client; this is a thin line-oriented front end.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/chatmesh/chatmesh/internal/client"
	"github.com/chatmesh/chatmesh/internal/protocol"
)

var (
	serverAddr    = kingpin.Flag("server", "Chat server address.").Default("localhost:7777").String()
	name          = kingpin.Flag("name", "Display name to register under.").Required().String()
	udpPort       = kingpin.Flag("udp-port", "Local UDP port for invites (0 picks one).").Default("0").Int()
	inviteTimeout = kingpin.Flag("invite-timeout", "How long to wait for an invited peer to dial back.").Default("15s").Duration()
)

func main() {
	kingpin.Parse()
	log.SetFlags(0)

	done := make(chan struct{})
	events := &client.Events{
		ClientList: func(clients []protocol.ClientInfo) {
			fmt.Printf("* %d member(s):\n", len(clients))
			for _, c := range clients {
				fmt.Printf("    %s (%s, udp %d)\n", c.Name, protocol.Uint32ToIP(c.IP), c.UDPPort)
			}
		},
		Joined: func(c protocol.ClientInfo) {
			fmt.Printf("* %s joined\n", c.Name)
		},
		Left: func(name string) {
			fmt.Printf("* %s left\n", name)
		},
		Broadcast: func(text string) {
			fmt.Printf("<room> %s\n", text)
		},
		ServerError: func(code protocol.ErrorCode) {
			fmt.Printf("! server error %d: %s\n", code, code)
		},
		Disconnected: func(err error) {
			if err != nil {
				fmt.Printf("! connection lost: %v\n", err)
			}
			close(done)
		},
		PeerConnected: func(name string) {
			fmt.Printf("* direct session with %s established\n", name)
		},
		PeerMessage: func(name, text string) {
			fmt.Printf("<%s> %s\n", name, text)
		},
		PeerClosed: func(name string) {
			fmt.Printf("* direct session with %s closed\n", name)
		},
		RendezvousFailed: func(name string, err error) {
			fmt.Printf("! rendezvous with %s failed: %v\n", name, err)
		},
	}

	c, err := client.Dial(client.Config{
		ServerAddr:    *serverAddr,
		UDPPort:       *udpPort,
		InviteTimeout: *inviteTimeout,
	}, events)
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Register(*name); err != nil {
		log.Fatalf("registration failed: %v", err)
	}

	go readCommands(c)
	<-done
}

func readCommands(c *client.Client) {
	fmt.Println("commands: /list  /invite <name>  /p <name> <text>  /close <name>  /quit; anything else broadcasts")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			_ = c.Disconnect()
			return

		case line == "/list":
			for _, member := range c.Members() {
				fmt.Printf("    %s (%s, udp %d)\n", member.Name, protocol.Uint32ToIP(member.IP), member.UDPPort)
			}
			for peer, state := range c.PeerStates() {
				fmt.Printf("    session %s: %s\n", peer, state)
			}

		case strings.HasPrefix(line, "/invite "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "/invite "))
			if err := c.Invite(target); err != nil {
				fmt.Printf("! %v\n", err)
			}

		case strings.HasPrefix(line, "/p "):
			rest := strings.TrimPrefix(line, "/p ")
			target, text, ok := strings.Cut(rest, " ")
			if !ok || text == "" {
				fmt.Println("! usage: /p <name> <text>")
				continue
			}
			if err := c.SendPeer(target, text); err != nil {
				fmt.Printf("! %v\n", err)
			}

		case strings.HasPrefix(line, "/close "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "/close "))
			if err := c.ClosePeer(target); err != nil {
				fmt.Printf("! %v\n", err)
			}

		default:
			if err := c.Broadcast(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
	_ = c.Disconnect()
}
