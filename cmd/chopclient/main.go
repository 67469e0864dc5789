package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/justadeni/logically/internal/network"
)

func main() {
	server := flag.String("server", "127.0.0.1:19100", "felling server UDP address")
	player := flag.String("player", "client-test", "player name sent with the request")
	x := flag.Int("x", 0, "block X")
	y := flag.Int("y", 0, "block Y")
	z := flag.Int("z", 0, "block Z")
	facingX := flag.Float64("fx", 1, "facing direction X")
	facingY := flag.Float64("fy", 0, "facing direction Y")
	toggle := flag.String("toggle", "", "set tree felling for the player instead of chopping (on|off|status)")
	wait := flag.Duration("wait", 3*time.Second, "how long to wait for the reply")
	flag.Parse()

	var (
		msg     network.MessageType
		payload any
		expect  network.MessageType
	)
	switch *toggle {
	case "":
		msg, expect = network.MessageChopRequest, network.MessageChopReply
		payload = network.ChopRequest{
			Player: *player,
			X:      *x,
			Y:      *y,
			Z:      *z,
			Facing: []float64{*facingX, *facingY, 0},
		}
	case "on", "off", "status":
		msg, expect = network.MessageToggleRequest, network.MessageToggleReply
		req := network.ToggleRequest{Player: *player}
		if *toggle != "status" {
			enabled := *toggle == "on"
			req.Enabled = &enabled
		}
		payload = req
	default:
		log.Fatalf("unknown toggle %q", *toggle)
	}

	raw, _ := json.Marshal(payload)
	env := network.Envelope{
		Type:      msg,
		Timestamp: time.Now().UTC(),
		Seq:       1,
		Payload:   raw,
	}
	data, err := network.Encode(env)
	if err != nil {
		log.Fatalf("encode: %v", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		log.Fatalf("listen udp: %v", err)
	}
	defer conn.Close()

	target, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		log.Fatalf("resolve server: %v", err)
	}

	conn.SetDeadline(time.Now().Add(*wait))
	if _, err := conn.WriteToUDP(data, target); err != nil {
		log.Fatalf("send: %v", err)
	}

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Fatalf("recv: %v", err)
		}
		envResp, err := network.Decode(buf[:n])
		if err != nil {
			log.Fatalf("decode env: %v", err)
		}
		// Broadcasts may arrive first when this client is a subscriber.
		if envResp.Type != expect {
			continue
		}
		switch expect {
		case network.MessageChopReply:
			resp, err := network.DecodePayload[network.ChopReply](envResp)
			if err != nil {
				log.Fatalf("decode payload: %v", err)
			}
			printChop(resp)
		case network.MessageToggleReply:
			resp, err := network.DecodePayload[network.ToggleReply](envResp)
			if err != nil {
				log.Fatalf("decode payload: %v", err)
			}
			fmt.Printf("Tree felling for %s: %t\n", resp.Player, resp.Enabled)
		}
		return
	}
}

func printChop(resp network.ChopReply) {
	fmt.Printf("Chop at (%d,%d,%d) by %s: %s\n", resp.X, resp.Y, resp.Z, resp.Player, resp.Result)
	if resp.Message != "" {
		fmt.Printf(" reason: %s\n", resp.Message)
	}
	if resp.Result != network.ChopFelled {
		return
	}
	fmt.Printf(" felling: %s\n", resp.FellingID)
	fmt.Printf(" species: %s, logs: %d, leaves: %d\n", resp.Species, resp.Logs, resp.Leaves)
	if len(resp.Axis) >= 2 {
		fmt.Printf(" falls toward (%.2f, %.2f), landing at %.1f deg\n", resp.Axis[0], resp.Axis[1], resp.LandingAngle)
	}
}
