// Command lockinctl is a minimal interactive client for the lock-in command
// protocol: lines from stdin go to the server, replies come back on stdout.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.StringP("addr", "a", "localhost:5025", "server address")
	pflag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal("dial failed", "addr", *addr, "err", err)
	}
	defer conn.Close()

	go func() {
		replies := bufio.NewScanner(conn)
		for replies.Scan() {
			fmt.Println(replies.Text())
		}
		log.Info("connection closed by server")
		os.Exit(0)
	}()

	input := bufio.NewScanner(os.Stdin)
	for input.Scan() {
		if _, err := fmt.Fprintf(conn, "%s\n", input.Text()); err != nil {
			log.Fatal("write failed", "err", err)
		}
	}
}
