package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/topgunbuild/topgun/internal/server"
)

const adminClientID = "topgunctl"

// Server answers one admin Request per connection on a Unix socket.
type Server struct {
	node *server.Node
	log  *slog.Logger

	listener net.Listener
}

func New(node *server.Node) *Server {
	return &Server{node: node, log: slog.With("component", "adminapi")}
}

// ListenAndServe accepts connections on sockPath until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, sockPath string) error {
	_ = os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen admin socket: %w", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Debug("decode request failed", "err", err)
		return
	}

	resp := s.dispatch(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug("encode response failed", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpStatus:
		return s.handleStatus()
	case OpLockAcquire:
		return s.handleLockAcquire(ctx, req.Payload)
	case OpLockRelease:
		return s.handleLockRelease(ctx, req.Payload)
	case OpTopicPublish:
		return s.handleTopicPublish(req.Payload)
	default:
		return errResponse(fmt.Errorf("unknown op %q", req.Op))
	}
}

func (s *Server) handleStatus() Response {
	peers := s.node.Transport.Members()
	nodeID := s.node.Transport.NodeID()

	members := make([]string, 0, len(peers)+1)
	members = append(members, nodeID)
	for _, p := range peers {
		members = append(members, p.ID)
	}

	m := s.node.Partitions.Current()
	return okResponse(StatusResult{
		NodeID:           nodeID,
		Members:          members,
		PartitionVersion: m.Version,
		PartitionCount:   s.node.Partitions.PartitionCount(),
		BackupCount:      s.node.Partitions.BackupCount(),
	})
}

func (s *Server) handleLockAcquire(ctx context.Context, raw json.RawMessage) Response {
	var args LockAcquireArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errResponse(err)
	}
	if args.ClientID == "" {
		args.ClientID = adminClientID
	}
	ttl := time.Duration(args.TTLMs) * time.Millisecond
	requestID := fmt.Sprintf("%s-%s-%d", args.ClientID, args.Name, time.Now().UnixNano())

	res, err := s.node.Locks.AcquireDistributed(ctx, args.Name, args.ClientID, requestID, ttl)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(LockAcquireResult{Granted: res.Granted, FencingToken: res.FencingToken})
}

func (s *Server) handleLockRelease(ctx context.Context, raw json.RawMessage) Response {
	var args LockReleaseArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errResponse(err)
	}
	if args.ClientID == "" {
		args.ClientID = adminClientID
	}
	released, err := s.node.Locks.ReleaseDistributed(ctx, args.Name, args.ClientID, args.FencingToken)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(LockReleaseResult{Released: released})
}

func (s *Server) handleTopicPublish(raw json.RawMessage) Response {
	var args TopicPublishArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errResponse(err)
	}
	if err := s.node.Topics.Publish(args.Topic, args.Data, adminClientID, false); err != nil {
		return errResponse(err)
	}
	return okResponse(nil)
}

func okResponse(v any) Response {
	if v == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return errResponse(err)
	}
	return Response{OK: true, Payload: raw}
}

func errResponse(err error) Response {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Response{OK: false, Error: err.Error()}
}
