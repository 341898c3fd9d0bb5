package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"roomnet/config"
	"roomnet/game"
	"roomnet/log"
	"roomnet/service"
)

var (
	RoomnetVersion string = "LOCAL"
	RoomnetCommit  string = "LOCAL"
)

func main() {
	if len(os.Args) < 2 {
		panic(fmt.Errorf("no config.toml specified"))
	}
	conf, err := config.Load(os.Args[1])
	if err != nil {
		panic(fmt.Errorf("%+v\n", err))
	}

	defer log.InitLogger(&conf.Server.LogConf)()
	log.SetLevel(log.Level(conf.Server.DefaultLoglevel))
	log.Infof("Roomnet-Server")
	log.Infof("RoomnetVersion: %v", RoomnetVersion)
	log.Infof("RoomnetCommit: %v", RoomnetCommit)

	db := sqlx.MustOpen("mysql", conf.Db.DSN())
	maxConns := conf.Db.MaxConns
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
		log.Infof("MaxConns: %v", maxConns)
	}
	db.SetConnMaxLifetime(time.Duration(conf.Db.ConnMaxLifetime))

	svc, err := service.New(db, conf, game.NewMemoryHost())
	if err != nil {
		panic(fmt.Errorf("%+v\n", err))
	}
	log.Infof("HostID: %v", svc.HostId)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM)
		select {
		case <-ctx.Done():
		case sig := <-ch:
			log.Infof("got signal: %v", sig)
			svc.Shutdown(ctx)
		}
	}()

	err = svc.Serve(ctx)
	if err != nil {
		panic(fmt.Errorf("%+v\n", err))
	}
}
