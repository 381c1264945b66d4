// Command minidb-load floods a running MiniDB server with concurrent SETs
// and verifies every response.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4000", "server address")
	clients := flag.Int("clients", 50, "number of concurrent clients")
	sets := flag.Int("sets", 100, "SET commands per client")
	flag.Parse()

	var g errgroup.Group
	for i := 0; i < *clients; i++ {
		i := i
		g.Go(func() error {
			return runClient(*addr, i, *sets)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	log.Println("all clients done")
}

func runClient(addr string, id, sets int) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("client %d failed to connect: %w", id, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	for j := 0; j < sets; j++ {
		key := fmt.Sprintf("key_%d_%d", id, j)
		value := fmt.Sprintf("val_%d_%d", id, j)
		if _, err = fmt.Fprintf(conn, "SET %s %s\n", key, value); err != nil {
			return fmt.Errorf("client %d failed to send: %w", id, err)
		}

		resp, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("client %d failed to read response: %w", id, err)
		}
		if want := "OK: inserted " + key; strings.TrimSpace(resp) != want {
			return fmt.Errorf("client %d got %q, want %q", id, strings.TrimSpace(resp), want)
		}
		if j%50 == 0 {
			log.Printf("client %d got response: %s", id, strings.TrimSpace(resp))
		}
	}

	log.Printf("client %d finished", id)
	return nil
}
