package tracker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

// serveOneAnnounce starts a one-shot raw TCP server that reads a single
// HTTP request line/headers and replies with a fixed bencoded body.
func serveOneAnnounce(t *testing.T, body string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}

		resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
		conn.Write([]byte(resp))
	}()

	return ln.Addr().String()
}

func TestAnnounce_Success(t *testing.T) {
	body := "d8:intervali1800e5:peersld2:ip9:127.0.0.17:porti6881eeee"
	addr := serveOneAnnounce(t, body)

	c, err := NewClient("http://" + addr + "/announce")
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Announce(ctx, AnnounceParams{InfoHash: infoHash, PeerID: peerID, Port: 6882, Left: 100})
	if err != nil {
		t.Fatalf("Announce error: %v", err)
	}
	if resp.Interval != 1800*time.Second {
		t.Fatalf("got interval %v, want 1800s", resp.Interval)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].IP != "127.0.0.1" || resp.Peers[0].Port != 6881 {
		t.Fatalf("got peers %+v", resp.Peers)
	}
}

func TestAnnounce_FailureReason(t *testing.T) {
	body := "d14:failure reason17:torrent not founde"
	addr := serveOneAnnounce(t, body)

	c, err := NewClient("http://" + addr + "/announce")
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.Announce(ctx, AnnounceParams{})
	if err == nil {
		t.Fatalf("expected failure reason error")
	}
}

func TestAnnounce_MissingInterval(t *testing.T) {
	body := "d5:peersleee"
	addr := serveOneAnnounce(t, body)

	c, err := NewClient("http://" + addr + "/announce")
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.Announce(ctx, AnnounceParams{})
	if err == nil {
		t.Fatalf("expected missing-interval error")
	}
}

func TestPercentEncode_Uppercase(t *testing.T) {
	got := percentEncode([]byte{0x00, 'a', '-', '_', '.', '~', 0xff})
	want := "%00a-_.~%FF"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildRequestTarget_ContainsEncodedFields(t *testing.T) {
	c, err := NewClient("http://tracker.example/announce")
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	target := c.buildRequestTarget(AnnounceParams{InfoHash: infoHash, PeerID: peerID, Port: 1, Left: 2, Event: EventStarted})
	if target[0] != '/' {
		t.Fatalf("expected path to start with /, got %q", target)
	}
	if !contains(target, "event=started") {
		t.Fatalf("expected event=started in %q", target)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
