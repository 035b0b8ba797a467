// Package nbd is a Network Block Device server that exposes a block store as
// a Linux block device. It implements the fixed-newstyle handshake and the
// simple transmission commands, based on
// https://github.com/NetworkBlockDevice/nbd/blob/cb20c16354cccf4698fde74c42f5fb8542b289ae/doc/proto.md
package nbd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/kochman/stripeblock"
)

const (
	nbdMagic     = 0x4e42444d41474943 // "NBDMAGIC"
	optMagic     = 0x49484156454f5054 // "IHAVEOPT"
	repMagic     = 0x3e889045565a9
	requestMagic = 0x25609513
	replyMagic   = 0x67446698

	handshakeFixedNewstyle = 0x1
	handshakeNoZeroes      = 0x2

	optAbort = 2
	optGo    = 7

	repAck      = 1
	repInfo     = 3
	repErrUnsup = 0x80000001

	infoExport = 0

	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3

	// transmission flags: has-flags, can-flush
	transmissionFlags = 0x1 | 0x4

	errIO    = 5
	errInval = 22

	// largest single transfer we'll accept from a client
	maxRequestLength = 32 * 1024 * 1024
)

// Server serves one block store as a single export. Every export name a
// client asks for gets the same store.
type Server struct {
	store stripeblock.Store
	size  int64 // export size in bytes
}

// New returns a server exposing store as an export of size bytes. size should
// be a multiple of the store's block size.
func New(store stripeblock.Store, size int64) *Server {
	s := &Server{
		store: store,
		size:  size,
	}
	return s
}

// ListenAndServe listens on addr and serves clients until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln, one goroutine per client.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("unable to accept: %w", err)
		}
		go s.handle(newConnection(conn))
	}
}

func (s *Server) handle(c *connection) {
	defer c.nc.Close()
	log.Printf("nbd: handling %s", c.nc.RemoteAddr())

	err := s.handshake(c)
	if err != nil {
		log.Printf("nbd: handshake with %s failed: %v", c.nc.RemoteAddr(), err)
		return
	}

	err = s.transmit(c)
	if err != nil {
		log.Printf("nbd: %s: %v", c.nc.RemoteAddr(), err)
		return
	}
	log.Printf("nbd: %s disconnected", c.nc.RemoteAddr())
}

// handshake runs the fixed-newstyle negotiation up through NBD_OPT_GO.
func (s *Server) handshake(c *connection) error {
	if err := c.WriteUint64(nbdMagic); err != nil {
		return err
	}
	if err := c.WriteUint64(optMagic); err != nil {
		return err
	}
	if err := c.WriteUint16(handshakeFixedNewstyle | handshakeNoZeroes); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}

	clientFlags, err := c.ReadUint32()
	if err != nil {
		return err
	}
	if clientFlags&handshakeFixedNewstyle == 0 {
		return fmt.Errorf("client doesn't support fixed newstyle (flags %#x)", clientFlags)
	}

	// soak up options until the client sends NBD_OPT_GO
	for {
		magic, err := c.ReadUint64()
		if err != nil {
			return err
		}
		if magic != optMagic {
			return fmt.Errorf("bad option magic %#x", magic)
		}

		opt, err := c.ReadUint32()
		if err != nil {
			return err
		}
		l, err := c.ReadUint32()
		if err != nil {
			return err
		}
		data := make([]byte, l)
		if err := c.ReadFull(data); err != nil {
			return fmt.Errorf("unable to read option data: %w", err)
		}

		switch opt {
		case optGo:
			if len(data) < 6 {
				return fmt.Errorf("short NBD_OPT_GO data (%d bytes)", len(data))
			}
			nameLen := binary.BigEndian.Uint32(data[:4])
			if uint32(len(data)) < 6+nameLen {
				return fmt.Errorf("short NBD_OPT_GO data (%d bytes)", len(data))
			}
			log.Printf("nbd: export name: %q", data[4:4+nameLen])
			// information requests beyond NBD_INFO_EXPORT are ignored;
			// the mandatory export info goes out regardless

			// NBD_REP_INFO carrying NBD_INFO_EXPORT
			if err := s.writeOptionReply(c, opt, repInfo, 12); err != nil {
				return err
			}
			if err := c.WriteUint16(infoExport); err != nil {
				return err
			}
			if err := c.WriteUint64(uint64(s.size)); err != nil {
				return err
			}
			if err := c.WriteUint16(transmissionFlags); err != nil {
				return err
			}

			// done giving out info
			if err := s.writeOptionReply(c, opt, repAck, 0); err != nil {
				return err
			}
			return c.Flush()

		case optAbort:
			if err := s.writeOptionReply(c, opt, repAck, 0); err != nil {
				return err
			}
			if err := c.Flush(); err != nil {
				return err
			}
			return fmt.Errorf("client aborted negotiation")

		default:
			if err := s.writeOptionReply(c, opt, repErrUnsup, 0); err != nil {
				return err
			}
			if err := c.Flush(); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeOptionReply(c *connection, opt, replyType, length uint32) error {
	if err := c.WriteUint64(repMagic); err != nil {
		return err
	}
	if err := c.WriteUint32(opt); err != nil {
		return err
	}
	if err := c.WriteUint32(replyType); err != nil {
		return err
	}
	return c.WriteUint32(length)
}

// transmit serves read and write commands until the client disconnects.
func (s *Server) transmit(c *connection) error {
	for {
		magic, err := c.ReadUint32()
		if err != nil {
			return err
		}
		if magic != requestMagic {
			return fmt.Errorf("bad request magic %#x", magic)
		}
		if _, err := c.ReadUint16(); err != nil { // command flags
			return err
		}
		cmd, err := c.ReadUint16()
		if err != nil {
			return err
		}
		handle, err := c.ReadUint64()
		if err != nil {
			return err
		}
		offset, err := c.ReadUint64()
		if err != nil {
			return err
		}
		length, err := c.ReadUint32()
		if err != nil {
			return err
		}

		switch cmd {
		case cmdRead:
			if length > maxRequestLength || int64(offset)+int64(length) > s.size {
				if err := s.writeReply(c, handle, errInval); err != nil {
					return err
				}
				break
			}
			p := make([]byte, length)
			if err := s.readRange(p, int64(offset)); err != nil {
				log.Printf("nbd: read at %d: %v", offset, err)
				if err := s.writeReply(c, handle, errIO); err != nil {
					return err
				}
				break
			}
			if err := s.writeReply(c, handle, 0); err != nil {
				return err
			}
			if _, err := c.b.Write(p); err != nil {
				return err
			}

		case cmdWrite:
			if length > maxRequestLength {
				return fmt.Errorf("oversized write of %d bytes", length)
			}
			p := make([]byte, length)
			if err := c.ReadFull(p); err != nil {
				return err
			}
			if int64(offset)+int64(length) > s.size {
				if err := s.writeReply(c, handle, errInval); err != nil {
					return err
				}
				break
			}
			if err := s.writeRange(p, int64(offset)); err != nil {
				log.Printf("nbd: write at %d: %v", offset, err)
				if err := s.writeReply(c, handle, errIO); err != nil {
					return err
				}
				break
			}
			if err := s.writeReply(c, handle, 0); err != nil {
				return err
			}

		case cmdFlush:
			// writes go straight to the store; nothing is buffered here
			if err := s.writeReply(c, handle, 0); err != nil {
				return err
			}

		case cmdDisc:
			return nil

		default:
			if err := s.writeReply(c, handle, errInval); err != nil {
				return err
			}
		}

		if err := c.Flush(); err != nil {
			return err
		}
	}
}

func (s *Server) writeReply(c *connection, handle uint64, errno uint32) error {
	if err := c.WriteUint32(replyMagic); err != nil {
		return err
	}
	if err := c.WriteUint32(errno); err != nil {
		return err
	}
	return c.WriteUint64(handle)
}

// readRange fills p from the store starting at byte offset off. Blocks the
// store has never been written read as zeros, so a fresh device reads clean.
func (s *Server) readRange(p []byte, off int64) error {
	bs := int64(s.store.BlockSize())
	buf := make([]byte, bs)
	for len(p) > 0 {
		block := off / bs
		in := off % bs
		n := bs - in
		if int64(len(p)) < n {
			n = int64(len(p))
		}

		nr, err := s.store.Read(block, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return err
			}
			// past the store's current extent; the rest of the block is zeros
		}
		for i := nr; i < len(buf); i++ {
			buf[i] = 0
		}

		copy(p[:n], buf[in:in+n])
		p = p[n:]
		off += n
	}
	return nil
}

// writeRange writes p to the store starting at byte offset off. Aligned
// full-block spans go straight through; a span covering part of a block is
// read-modify-write on that block.
func (s *Server) writeRange(p []byte, off int64) error {
	bs := int64(s.store.BlockSize())
	buf := make([]byte, bs)
	for len(p) > 0 {
		block := off / bs
		in := off % bs
		n := bs - in
		if int64(len(p)) < n {
			n = int64(len(p))
		}

		if in == 0 && n == bs {
			if _, err := s.store.Write(block, p[:bs]); err != nil {
				return err
			}
		} else {
			nr, err := s.store.Read(block, buf)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					return err
				}
			}
			for i := nr; i < len(buf); i++ {
				buf[i] = 0
			}
			copy(buf[in:in+n], p[:n])
			if _, err := s.store.Write(block, buf); err != nil {
				return err
			}
		}

		p = p[n:]
		off += n
	}
	return nil
}

type connection struct {
	nc net.Conn
	b  *bufio.ReadWriter
}

func newConnection(nc net.Conn) *connection {
	c := &connection{
		nc: nc,
		b:  bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
	}
	return c
}

func (c *connection) ReadFull(p []byte) error {
	_, err := io.ReadFull(c.b, p)
	return err
}

func (c *connection) ReadUint16() (uint16, error) {
	p := make([]byte, 2)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint16(p), err
}

func (c *connection) ReadUint32() (uint32, error) {
	p := make([]byte, 4)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint32(p), err
}

func (c *connection) ReadUint64() (uint64, error) {
	p := make([]byte, 8)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint64(p), err
}

func (c *connection) WriteUint16(data uint16) error {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) WriteUint32(data uint32) error {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) WriteUint64(data uint64) error {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) Flush() error {
	return c.b.Flush()
}
