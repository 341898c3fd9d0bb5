package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"roomnet/binary"
	"roomnet/metrics"
)

// Peer is a single websocket to a Conn.
// A Conn can be re-attached by a new Peer after a network failure.
type Peer struct {
	conn *Conn
	ws   *websocket.Conn

	msgCh    chan binary.Msg
	done     chan struct{}
	detached chan struct{}

	muWrite sync.Mutex
	evSeq   int

	closeOnce sync.Once

	logger *zap.SugaredLogger
}

// NewPeer : websocketを受け入れてconnに紐付ける.
// lastEvSeq はクライアントが受信済みの最後のイベント番号(新規接続なら0).
func NewPeer(ws *websocket.Conn, conn *Conn, lastEvSeq int, logger *zap.SugaredLogger) *Peer {
	p := &Peer{
		conn: conn,
		ws:   ws,

		msgCh:    make(chan binary.Msg),
		done:     make(chan struct{}),
		detached: make(chan struct{}),

		evSeq: lastEvSeq,

		logger: logger.With("conn", conn.ID(), "peer", ws.RemoteAddr()),
	}
	go p.MsgLoop()
	conn.attachPeer(p)
	return p
}

func (p *Peer) MsgCh() <-chan binary.Msg {
	return p.msgCh
}

func (p *Peer) LastEventSeq() int {
	return p.evSeq
}

// MsgLoop goroutine.
// websocketからの受信msgをmsgChに流す.
func (p *Peer) MsgLoop() {
	p.logger.Debugf("Peer.MsgLoop start")
loop:
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			p.logger.Debugf("Peer read: %v", err)
			break loop
		}
		metrics.MessageRecv.Add(1)
		m, err := binary.UnmarshalMsg(data)
		if err != nil {
			p.logger.Errorf("Peer unmarshal: %v", err)
			break loop
		}
		select {
		case p.msgCh <- m:
		case <-p.detached:
			break loop
		}
	}
	p.conn.detachPeer(p)
	p.Close("msgloop finished")
	close(p.msgCh)
	p.logger.Debugf("Peer.MsgLoop finish")
}

// SendEvents : seq番号を振りながらRegularEventを送信する
func (p *Peer) SendEvents(evs []*binary.RegularEvent) error {
	p.muWrite.Lock()
	defer p.muWrite.Unlock()
	for _, ev := range evs {
		p.evSeq++
		frame := ev.Marshal(p.evSeq)
		if err := p.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return xerrors.Errorf("send event: %w", err)
		}
		metrics.MessageSent.Add(1)
	}
	return nil
}

func (p *Peer) SendSystemEvent(ev *binary.SystemEvent) error {
	p.muWrite.Lock()
	defer p.muWrite.Unlock()
	if err := p.ws.WriteMessage(websocket.BinaryMessage, ev.Marshal()); err != nil {
		return xerrors.Errorf("send system event: %w", err)
	}
	metrics.MessageSent.Add(1)
	return nil
}

// Detached : connが新しいpeerに置き換えたときに呼ばれる
func (p *Peer) Detached() {
	p.Close("detached")
}

// Close closes the websocket.
func (p *Peer) Close(msg string) {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.detached)
		p.muWrite.Lock()
		defer p.muWrite.Unlock()
		_ = p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg),
			time.Now().Add(time.Second))
		_ = p.ws.Close()
	})
}
