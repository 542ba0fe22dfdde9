package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"dev.c0redev.seclink/internal/certs"
	"dev.c0redev.seclink/internal/config"
	"dev.c0redev.seclink/internal/store"
)

const peersUsage = "usage: seclink peers [list | sessions NAME | forget NAME] [flags]"

// peersMain manages the known peers database named by the configuration.
func peersMain(args []string, w io.Writer) error {
	fs := config.Flags()
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Identity.KnownPeers == "" {
		return errors.New("identity.known_peers is not set")
	}
	db, err := store.Open(cfg.Identity.KnownPeers)
	if err != nil {
		return fmt.Errorf("known peers: %w", err)
	}
	defer db.Close()
	return peersCommand(db, fs.Args(), w)
}

func peersCommand(db *store.DB, args []string, w io.Writer) error {
	action := "list"
	if len(args) > 0 {
		action = args[0]
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}

	switch {
	case action == "list":
		peers, err := db.ListPeers()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tWORDS\tHANDSHAKES\tLAST SEEN")
		for _, p := range peers {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.Name, certs.Words(p.Fingerprint), p.Handshakes, p.LastSeen.Format(time.RFC3339))
		}
		return tw.Flush()
	case action == "sessions" && name != "":
		sessions, err := db.Sessions(name, 0)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tDURATION\tSENT\tDELIVERED\tDROPPED\tABANDONED\tERROR")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				s.Started.Format(time.RFC3339), s.Ended.Sub(s.Started).Round(time.Second),
				s.MessagesSent, s.MessagesDelivered, s.MessagesDropped, s.MessagesAbandoned, s.Err)
		}
		return tw.Flush()
	case action == "forget" && name != "":
		p, err := db.Peer(name)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("unknown peer %q", name)
		}
		if err := db.Forget(name); err != nil {
			return err
		}
		fmt.Fprintf(w, "forgot %s\n", name)
		return nil
	default:
		return errors.New(peersUsage)
	}
}
