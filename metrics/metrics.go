package metrics

import (
	"expvar"
)

var (
	expmap      = expvar.NewMap("roomnet")
	Conns       = new(expvar.Int)
	Rooms       = new(expvar.Int)
	Matches     = new(expvar.Int)
	MessageSent = new(expvar.Int)
	MessageRecv = new(expvar.Int)
)

func init() {
	expmap.Set("conns", Conns)
	expmap.Set("rooms", Rooms)
	expmap.Set("matches", Matches)
	expmap.Set("message_sent", MessageSent)
	expmap.Set("message_recv", MessageRecv)
}
