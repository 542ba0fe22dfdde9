package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

type sender interface {
	Send(msg []byte) (dropped bool, err error)
}

type receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// sendLines sends each line of r, without its newline, as one message.
func sendLines(r io.Reader, s sender) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		if _, err := s.Send(bytes.Clone(sc.Bytes())); err != nil {
			return err
		}
	}
	return sc.Err()
}

// printMessages writes every received message to w as one line.
func printMessages(ctx context.Context, w io.Writer, r receiver) error {
	bw := bufio.NewWriter(w)
	for {
		msg, err := r.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := bw.Write(msg); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
}
