// Command udpsend sends one hex payload to the gateway as a binary datagram
// and prints the reply.
//
//	udpsend -addr 127.0.0.1:5288 -hex 0011223344556677
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/op/go-logging"

	"github.com/sooomo/udplog"
)

var log = logging.MustGetLogger("cmd")

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:5288", "gateway address")
		payload = flag.String("hex", "", "payload as hex digits, e.g. 202122")
		timeout = flag.Duration("timeout", 5*time.Second, "reply timeout")
	)
	flag.Parse()

	data, err := hex.DecodeString(*payload)
	if err != nil || len(data) == 0 {
		log.Criticalf("payload %q: not a non-empty hex string", *payload)
		os.Exit(2)
	}

	reply, err := send(*addr, data, *timeout)
	if err != nil {
		log.Criticalf("%v", err)
		os.Exit(1)
	}
	fmt.Println(reply)

	r, err := udplog.ParseReply(reply)
	var re *udplog.RemoteError
	switch {
	case err == nil:
		fmt.Printf("count=%d time=%s\n", r.Count, r.Time().UTC().Format(time.RFC3339))
	case errors.As(err, &re):
		log.Errorf("%v", re)
		os.Exit(1)
	}
}

func send(addr string, data []byte, timeout time.Duration) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return "", err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return "", err
	}
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("no reply from %s: %w", addr, err)
	}
	return string(buf[:n]), nil
}
