// Command telemetry-bridge forwards a recorded telemetry fixture to a running
// coach over UDP. It stands in for the sim-side plugin during development:
// each JSON line of the fixture becomes one datagram, paced at the sample
// rate the coach polls at.
package main

import (
	"bufio"
	"flag"
	"log"
	"net"
	"os"
	"time"
)

var (
	fixturePath = flag.String("fixture", "fixtures/monza.jsonl", "JSON-lines telemetry fixture to send")
	target      = flag.String("target", "127.0.0.1:9400", "UDP address of the coach's bridge listener")
	rateHz      = flag.Float64("rate", 60, "Datagrams per second")
	loop        = flag.Bool("loop", false, "Restart the fixture when it runs out")
)

func main() {
	flag.Parse()
	if *rateHz <= 0 {
		log.Fatalf("invalid rate %v", *rateHz)
	}

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		log.Fatalf("failed to resolve target: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("failed to dial target: %v", err)
	}
	defer conn.Close()

	interval := time.Duration(float64(time.Second) / *rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for {
		n, err := sendFixture(conn, *fixturePath, ticker.C)
		if err != nil {
			log.Fatalf("send failed after %d datagrams: %v", sent+n, err)
		}
		sent += n
		if !*loop {
			break
		}
		log.Printf("fixture exhausted after %d datagrams, looping", sent)
	}
	log.Printf("sent %d datagrams to %s", sent, *target)
}

// sendFixture streams one pass of the fixture, one datagram per tick. Blank
// lines and comment lines are skipped so hand-edited fixtures stay usable.
func sendFixture(conn *net.UDPConn, path string, ticks <-chan time.Time) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sent := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		<-ticks
		if _, err := conn.Write(line); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, scanner.Err()
}
