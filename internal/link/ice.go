package link

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/ice/v3"
	"github.com/pion/stun/v2"
	"go.uber.org/zap"
)

// ICEOptions configure candidate gathering.
type ICEOptions struct {
	// STUNURLs such as "stun:stun.l.google.com:19302".
	STUNURLs []string
	Logger   *zap.Logger
}

// ICEAgent gathers local candidates and connects to a peer whose
// credentials arrived out of band (see Signal).
type ICEAgent struct {
	agent    *ice.Agent
	log      *zap.Logger
	gathered chan struct{}
}

// NewICEAgent creates an agent and starts gathering.
func NewICEAgent(opts ICEOptions) (*ICEAgent, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	config := &ice.AgentConfig{
		NetworkTypes: []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
	}
	for _, raw := range opts.STUNURLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("link: stun url %q: %w", raw, err)
		}
		config.Urls = append(config.Urls, uri)
	}
	agent, err := ice.NewAgent(config)
	if err != nil {
		return nil, err
	}
	a := &ICEAgent{agent: agent, log: log, gathered: make(chan struct{})}
	if err := agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			close(a.gathered)
			return
		}
		log.Debug("local candidate", zap.String("candidate", c.String()))
	}); err != nil {
		_ = agent.Close()
		return nil, err
	}
	if err := agent.OnConnectionStateChange(func(s ice.ConnectionState) {
		log.Info("ice state", zap.Stringer("state", s))
	}); err != nil {
		_ = agent.Close()
		return nil, err
	}
	if err := agent.GatherCandidates(); err != nil {
		_ = agent.Close()
		return nil, err
	}
	return a, nil
}

// LocalSignal waits for gathering to finish and returns what the peer
// needs to reach this agent.
func (a *ICEAgent) LocalSignal(ctx context.Context) (Signal, error) {
	select {
	case <-a.gathered:
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
	ufrag, pwd, err := a.agent.GetLocalUserCredentials()
	if err != nil {
		return Signal{}, err
	}
	list, err := a.agent.GetLocalCandidates()
	if err != nil {
		return Signal{}, err
	}
	s := Signal{Ufrag: ufrag, Pwd: pwd}
	for _, c := range list {
		s.Candidates = append(s.Candidates, c.Marshal())
	}
	return s, nil
}

// Connect runs connectivity checks against remote. Exactly one side must be
// controlling.
func (a *ICEAgent) Connect(ctx context.Context, controlling bool, remote Signal) (Conn, error) {
	if remote.Ufrag == "" || remote.Pwd == "" {
		return nil, errors.New("link: remote signal has no ice credentials")
	}
	if err := a.agent.SetRemoteCredentials(remote.Ufrag, remote.Pwd); err != nil {
		return nil, err
	}
	added := 0
	for _, line := range remote.Candidates {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c, err := ice.UnmarshalCandidate(line)
		if err != nil {
			a.log.Debug("skip remote candidate", zap.String("candidate", line), zap.Error(err))
			continue
		}
		if err := a.agent.AddRemoteCandidate(c); err != nil {
			return nil, err
		}
		added++
	}
	if added == 0 {
		return nil, errors.New("link: remote signal has no usable candidates")
	}

	var conn *ice.Conn
	var err error
	if controlling {
		conn, err = a.agent.Dial(ctx, remote.Ufrag, remote.Pwd)
	} else {
		conn, err = a.agent.Accept(ctx, remote.Ufrag, remote.Pwd)
	}
	if err != nil {
		return nil, err
	}
	return &iceConn{Conn: conn, agent: a.agent}, nil
}

// Close releases the agent. A Conn returned by Connect closes it too.
func (a *ICEAgent) Close() error { return a.agent.Close() }

type iceConn struct {
	*ice.Conn
	agent *ice.Agent
}

func (c *iceConn) Close() error {
	err := c.Conn.Close()
	_ = c.agent.Close()
	return err
}
