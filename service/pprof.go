package service

import (
	"context"
	_ "expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"roomnet/log"
)

func (s *Service) servePprof(ctx context.Context) <-chan error {
	if s.conf.Server.PprofPort == 0 {
		return nil
	}

	errCh := make(chan error)

	s.preparation.Add(1)
	go func() {
		laddr := fmt.Sprintf(":%d", s.conf.Server.PprofPort)
		log.Infof("pprof: %#v", laddr)

		s.preparation.Done()
		errCh <- http.ListenAndServe(laddr, nil)
	}()

	return errCh
}
