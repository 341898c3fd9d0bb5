package service

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"roomnet/common"
	"roomnet/config"
	"roomnet/game"
	"roomnet/lobby"
	"roomnet/log"
	"roomnet/transport"
)

const (
	registerQuery = "" +
		"INSERT INTO `host` (`hostname`, `public_name`, `ws_port`, `status`) VALUES (:hostname, :public_name, :ws_port, :status) " +
		"ON DUPLICATE KEY UPDATE `public_name`=:public_name, `ws_port`=:ws_port, `status`=:status, id=last_insert_id(id)"
	heartbeatQuery = "" +
		"UPDATE `host` SET `status`=:status, heartbeat=:now WHERE `id`=:hostid"
)

type Service struct {
	HostId int64

	conf *config.Config
	db   *sqlx.DB

	registry *lobby.Registry
	server   *transport.Server

	preparation sync.WaitGroup

	shutdownChan chan struct{}
	done         chan error
}

func New(db *sqlx.DB, conf *config.Config, host game.EntityHost) (*Service, error) {
	hostId, err := registerHost(db, conf)
	if err != nil {
		return nil, err
	}

	logger := log.Get(log.Level(conf.Server.DefaultLoglevel)).Sugar()
	bootstrap := game.NewBootstrap(host, &conf.Lobby, logger)
	registry := lobby.NewRegistry(db, uint32(hostId), &conf.Lobby, bootstrap, logger)
	server := transport.NewServer(
		&conf.Server, time.Duration(conf.Lobby.ClientDeadline), registry, logger)

	return &Service{
		HostId: hostId,

		conf: conf,
		db:   db,

		registry: registry,
		server:   server,

		shutdownChan: make(chan struct{}),
		done:         make(chan error),
	}, nil
}

func (s *Service) Registry() *lobby.Registry {
	return s.registry
}

func (s *Service) Server() *transport.Server {
	return s.server
}

func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var err error
	select {
	case <-ctx.Done():
	case err = <-s.serveWebSocket(ctx):
	case err = <-s.servePprof(ctx):
	case err = <-s.heartbeat(ctx):
	case err = <-s.done:
	}
	return err
}

func (s *Service) serveWebSocket(ctx context.Context) <-chan error {
	errCh := make(chan error)
	go func() {
		errCh <- s.server.Serve(ctx)
	}()
	return errCh
}

func registerHost(db *sqlx.DB, conf *config.Config) (int64, error) {
	if db == nil {
		return 0, nil
	}
	bind := map[string]interface{}{
		"hostname":    conf.Server.Hostname,
		"public_name": conf.Server.PublicName,
		"ws_port":     conf.Server.WebsocketPort,
		"status":      common.HostStatusRunning,
	}
	res, err := sqlx.NamedExec(db, registerQuery, bind)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Service) shutdownRequested() bool {
	select {
	case <-s.shutdownChan:
		return true
	default:
		return false
	}
}

func (s *Service) heartbeat(ctx context.Context) <-chan error {
	if s.db == nil {
		return nil
	}
	wait := make(chan struct{})
	go func() {
		s.preparation.Wait()
		close(wait)
	}()

	errCh := make(chan error)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-wait:
		}

		log.Debugf("heartbeat start")
		t := time.NewTicker(time.Duration(s.conf.Server.HeartBeatInterval))
		bind := map[string]interface{}{
			"hostid": s.HostId,
			"status": common.HostStatusRunning,
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			bind["now"] = time.Now().Unix()

			if s.shutdownRequested() {
				bind["status"] = common.HostStatusClosing
				log.Infof("the host is shutting down and waiting for %v rooms to be closed", s.registry.RoomCount())
			}

			if _, err := sqlx.NamedExec(s.db, heartbeatQuery, bind); err != nil {
				errCh <- err
				return
			}
		}
	}()

	return errCh
}

// Shutdown requests the termination of the Service and waits for the serving rooms to be closed.
func (s *Service) Shutdown(ctx context.Context) {
	log.Infof("Service %v is gracefully shutting down", s.HostId)

	select {
	case <-s.shutdownChan:
		// Shutdown is already requested
		return
	default:
		close(s.shutdownChan)
	}

	if s.db != nil {
		// Immediately execute a heartbeat query in order not to miss the status update
		bind := map[string]interface{}{
			"now":    time.Now().Unix(),
			"hostid": s.HostId,
			"status": common.HostStatusClosing,
		}
		if _, err := sqlx.NamedExec(s.db, heartbeatQuery, bind); err != nil {
			s.done <- err
			return
		}
	}

	// Wait for all the rooms to be closed
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.registry.RoomCount() == 0 {
			log.Infof("graceful shutdown completed")
			s.done <- nil
			return
		}

		select {
		case <-ctx.Done():
			s.done <- ctx.Err()
			return
		case <-ticker.C:
		}
	}
}
