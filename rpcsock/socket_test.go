package rpcsock

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/4paradigm/prpc/xmsg"
)

func dialPair(t *testing.T) (clientPrimary, serverPrimary net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverPrimary, err = ln.Accept()
		if err != nil {
			t.Error(err)
		}
	}()
	clientPrimary, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	return clientPrimary, serverPrimary
}

func handshakePair(t *testing.T) (*TCPSocket, *TCPSocket) {
	t.Helper()
	cp, sp := dialPair(t)

	clientInfo := &xmsg.CommInfo{GlobalRank: 1, Endpoint: "client"}
	serverInfo := &xmsg.CommInfo{GlobalRank: 2, Endpoint: "server"}

	var (
		cRemote, sRemote           *xmsg.CommInfo
		cSecondary, sSecondary     net.Conn
		cErr, sErr                 error
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sRemote, sSecondary, sErr = ServerHandshake(sp, serverInfo)
	}()
	go func() {
		defer wg.Done()
		cRemote, cSecondary, cErr = ClientHandshake(cp, clientInfo)
	}()
	wg.Wait()
	if cErr != nil || sErr != nil {
		t.Fatalf("handshake failed: client=%v server=%v", cErr, sErr)
	}
	if cRemote.GlobalRank != 2 || sRemote.GlobalRank != 1 {
		t.Fatalf("CommInfo exchange mismatch: client saw %+v, server saw %+v", cRemote, sRemote)
	}
	return NewTCPSocket(cp, cSecondary, cRemote), NewTCPSocket(sp, sSecondary, sRemote)
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	recv := make(chan *xmsg.Message, 1)
	server.SetHandler(func(m *xmsg.Message) { recv <- m })

	body := []byte("ping")
	small := make([]byte, 1)
	small[0] = 'x'
	big := make([]byte, 1<<21) // above default MinZeroCopySize (1<<20)
	for i := range big {
		big[i] = 'y'
	}

	released := make(chan struct{}, 2)
	msg := xmsg.NewRequest()
	msg.SetBody(body)
	msg.AddBlock(xmsg.NewDataBlock(small, func() { released <- struct{}{} }))
	msg.AddBlock(xmsg.NewDataBlock(big, func() { released <- struct{}{} }))

	if err := client.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-recv:
		if string(got.Body) != "ping" {
			t.Fatalf("body = %q", got.Body)
		}
		if len(got.Blocks) != 2 {
			t.Fatalf("blocks = %d, want 2", len(got.Blocks))
		}
		if string(got.Blocks[0].Data) != "x" {
			t.Fatalf("block 0 = %q", got.Blocks[0].Data)
		}
		if len(got.Blocks[1].Data) != len(big) || got.Blocks[1].Data[0] != 'y' {
			t.Fatalf("block 1 mismatched")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatal("sender block was not released")
		}
	}
}
