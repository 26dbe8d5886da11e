package rpcsock

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/4paradigm/prpc/xmsg"
)

// magic is the fixed 16-bit handshake preamble (spec.md §4.3: "exchange a
// 16-bit magic (0)").
const magic uint16 = 0

// writeFramed writes a uint32-BE length-prefixed blob, used for the
// handshake's CommInfo exchange and secondary-address announcement.
func writeFramed(nc net.Conn, b []byte) error {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	if _, err := nc.Write(lb[:]); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := nc.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func readFramed(nc net.Conn) ([]byte, error) {
	var lb [4]byte
	if _, err := fullRead(nc, lb[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lb[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := fullRead(nc, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func fullRead(nc net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := nc.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeMagic(nc net.Conn) error {
	var mb [2]byte
	binary.BigEndian.PutUint16(mb[:], magic)
	_, err := nc.Write(mb[:])
	return err
}

func readMagic(nc net.Conn) error {
	var mb [2]byte
	if _, err := fullRead(nc, mb[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint16(mb[:]) != magic {
		return errors.New("rpcsock: bad handshake magic")
	}
	return nil
}

// ClientHandshake performs the dialing side of the handshake over an
// already-connected primary TCP socket: exchange magics + CommInfo, then
// dial the secondary zero-copy stream at the address the server announces.
//
// Grounded on spec.md §4.3 "Connection handshake".
func ClientHandshake(primary net.Conn, local *xmsg.CommInfo) (*xmsg.CommInfo, net.Conn, error) {
	if err := writeMagic(primary); err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: client handshake: write magic")
	}
	lb, err := local.Marshal()
	if err != nil {
		return nil, nil, err
	}
	if err := writeFramed(primary, lb); err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: client handshake: send CommInfo")
	}

	if err := readMagic(primary); err != nil {
		return nil, nil, err
	}
	rb, err := readFramed(primary)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: client handshake: recv CommInfo")
	}
	remote, err := xmsg.UnmarshalCommInfo(rb)
	if err != nil {
		return nil, nil, err
	}

	addrB, err := readFramed(primary)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: client handshake: recv secondary addr")
	}
	secondary, err := net.Dial("tcp", string(addrB))
	if err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: client handshake: dial secondary")
	}
	return remote, secondary, nil
}

// ServerHandshake performs the accepting side: reply with our own CommInfo,
// then bind a second acceptor on a random port of the same host, announce
// it, and accept the client's secondary dial.
func ServerHandshake(primary net.Conn, local *xmsg.CommInfo) (*xmsg.CommInfo, net.Conn, error) {
	if err := readMagic(primary); err != nil {
		return nil, nil, err
	}
	rb, err := readFramed(primary)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: server handshake: recv CommInfo")
	}
	remote, err := xmsg.UnmarshalCommInfo(rb)
	if err != nil {
		return nil, nil, err
	}

	if err := writeMagic(primary); err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: server handshake: write magic")
	}
	lb, err := local.Marshal()
	if err != nil {
		return nil, nil, err
	}
	if err := writeFramed(primary, lb); err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: server handshake: send CommInfo")
	}

	host, _, _ := net.SplitHostPort(primary.LocalAddr().String())
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:0", host))
	if err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: server handshake: bind secondary acceptor")
	}
	defer ln.Close()

	if err := writeFramed(primary, []byte(ln.Addr().String())); err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: server handshake: announce secondary addr")
	}

	secondary, err := ln.Accept()
	if err != nil {
		return nil, nil, errors.Wrap(err, "rpcsock: server handshake: accept secondary")
	}
	return remote, secondary, nil
}
