package client

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"roomnet/binary"
	"roomnet/common"
	"roomnet/config"
	"roomnet/transport"
)

var dialer = &websocket.Dialer{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type msgerr struct {
	msg string
	err error
}

type marshaledMsg struct {
	seq   int
	frame []byte
}

type unrecoverableError struct {
	error
}

func (err *unrecoverableError) Unwrap() error {
	return err.error
}

func unrecoverable(err error) unrecoverableError {
	return unrecoverableError{err}
}

// URLFunc : 接続(再接続)のたびに呼ばれて接続先URLを返す.
// ホスト側はここでtransport割り当ての貼り直しを行う.
type URLFunc func(ctx context.Context) (string, error)

// FixedURL : 固定URLのURLFunc
func FixedURL(url string) URLFunc {
	return func(context.Context) (string, error) { return url, nil }
}

// Connection : サーバへの接続.
// websocketの切断を内部で回復し、RegularMsgを自動再送する.
type Connection struct {
	urlFn    URLFunc
	localKey string
	conf     *config.ClientConf

	mumsg  sync.Mutex
	msgseq int
	msgbuf *common.RingBuf[marshaledMsg]

	mutoken sync.Mutex
	token   string

	lastev int
	evch   chan binary.Event

	sysmsg chan binary.Msg

	done   chan msgerr
	cancel context.CancelFunc

	logger *zap.SugaredLogger
}

// Dial : 接続を開始する.
// localKeyはサーバと同居するホストだけが指定する(他は空).
func Dial(ctx context.Context, urlFn URLFunc, localKey string, conf *config.ClientConf, logger *zap.SugaredLogger) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		urlFn:    urlFn,
		localKey: localKey,
		conf:     conf,

		msgbuf: common.NewRingBuf[marshaledMsg](32),

		evch:   make(chan binary.Event, 32),
		sysmsg: make(chan binary.Msg),
		done:   make(chan msgerr, 1),
		cancel: cancel,

		logger: logger,
	}

	go func() {
		msg, err := conn.connect(ctx)
		conn.done <- msgerr{msg, err}
		close(conn.evch)
	}()

	return conn
}

// Send : RegularMsgを送信(バッファに書き込み、自動再送対象)
func (c *Connection) Send(typ binary.MsgType, payload []byte) error {
	c.mumsg.Lock()
	defer c.mumsg.Unlock()
	next := c.msgseq + 1
	m := binary.NewRegularMsg(typ, next, payload)
	err := c.msgbuf.Write(marshaledMsg{next, m.Marshal()})
	if err != nil {
		return xerrors.Errorf("write to msgbuf: %w", err)
	}
	c.msgseq = next
	return nil
}

// SendSystemMsg : seqを持たないMsgを送信
func (c *Connection) SendSystemMsg(msg binary.Msg) error {
	if _, ok := msg.(binary.RegularMsg); ok {
		return xerrors.Errorf("not a system msg: %T %v", msg, msg)
	}
	select {
	case c.sysmsg <- msg:
		return nil
	default:
		return xerrors.Errorf("system msg sender is not ready")
	}
}

// Close : 接続を自発的に打ち切る. 何度呼んでも安全.
func (c *Connection) Close() {
	c.cancel()
}

// Events : Eventが流れてくるチャネル
func (c *Connection) Events() <-chan binary.Event {
	return c.evch
}

// Wait : 接続終了を待つ
func (c *Connection) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "context done", ctx.Err()
	case d := <-c.done:
		return d.msg, d.err
	}
}

func (c *Connection) getToken() string {
	c.mutoken.Lock()
	defer c.mutoken.Unlock()
	return c.token
}

func (c *Connection) setToken(token string) {
	c.mutoken.Lock()
	defer c.mutoken.Unlock()
	c.token = token
}

// connect : リトライつき接続ループ.
// 接続が確認できるたびにリトライ回数とバックオフはリセットされる.
func (c *Connection) connect(ctx context.Context) (string, error) {
	retries := 0
	backoff := time.Duration(c.conf.RetryBackoff)
	var lasterr error

	for {
		if retries >= c.conf.RetryCount {
			return "retry limit", lasterr
		}

		select {
		case <-ctx.Done():
			return "context done", ctx.Err()
		default:
		}

		url, err := c.urlFn(ctx)
		if err != nil {
			return "allocation failed", err
		}

		hdr := http.Header{}
		if token := c.getToken(); token != "" {
			hdr.Set(transport.HeaderToken, token)
			hdr.Set(transport.HeaderLastEventSeq, strconv.Itoa(c.lastev))
		}
		if c.localKey != "" {
			hdr.Set(transport.HeaderLocalKey, c.localKey)
		}

		ws, res, err := dialer.DialContext(ctx, url, hdr)
		if err != nil {
			if res != nil && res.StatusCode >= 400 && res.StatusCode < 500 {
				return "websocket dial failed", xerrors.Errorf("dial: %w", err)
			}
			c.logger.Infof("dial %v: %v", url, err)
			lasterr = err
			retries++
			if err := c.sleep(ctx, &backoff); err != nil {
				return "context done", err
			}
			continue
		}
		if token := res.Header.Get(transport.HeaderToken); token != "" {
			c.setToken(token)
		}

		conctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 4)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			done <- c.receiver(conctx, ws, func(lastmsgseq int) {
				// PeerReadyが来た = 接続確立. リトライ状況を巻き戻す.
				retries = 0
				backoff = time.Duration(c.conf.RetryBackoff)
				var mu sync.Mutex
				wg.Add(3)
				go func() {
					done <- c.pinger(conctx, ws, &mu)
					wg.Done()
				}()
				go func() {
					done <- c.sender(conctx, ws, &mu, lastmsgseq)
					wg.Done()
				}()
				go func() {
					done <- c.systemSender(conctx, ws, &mu)
					wg.Done()
				}()
			})
			wg.Done()
		}()

		err = <-done
		cancel()
		wg.Wait()
		ws.Close()

		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return err.(*websocket.CloseError).Text, nil
		}
		if ue := unrecoverable(nil); errors.As(err, &ue) {
			return "give up on reconnection", ue.Unwrap()
		}

		c.logger.Infof("connection lost: %v", err)
		lasterr = err
		retries++
		if err := c.sleep(ctx, &backoff); err != nil {
			return "context done", err
		}
	}
}

// sleep : バックオフ待ち. 待つたびに間隔を2倍にする(上限あり).
func (c *Connection) sleep(ctx context.Context, backoff *time.Duration) error {
	t := time.NewTimer(*backoff)
	defer t.Stop()
	*backoff *= 2
	if max := time.Duration(c.conf.RetryBackoffMax); *backoff > max {
		*backoff = max
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Connection) receiver(ctx context.Context, ws *websocket.Conn, startsender func(int)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			return err // websocket.IsCloseError()がwrapを考慮してくれないのでこのまま返す
		}

		ev, seq, err := binary.UnmarshalEvent(data)
		if err != nil {
			return xerrors.Errorf("receiver unmarshal: %w", err)
		}

		lastev := c.lastev
		if _, ok := ev.(*binary.RegularEvent); ok {
			lastev++
			if seq != lastev {
				return xerrors.Errorf("invalid event sequence num: %v wants %v", seq, lastev)
			}
		}

		if ev.Type() == binary.EvTypePeerReady {
			msgseq, err := binary.UnmarshalEvPeerReadyPayload(ev.Payload())
			if err != nil {
				return xerrors.Errorf("unmarshal peer-ready payload: %w", err)
			}
			startsender(msgseq)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case c.evch <- ev:
			c.lastev = lastev
		}
	}
}

func (c *Connection) pinger(ctx context.Context, ws *websocket.Conn, mu *sync.Mutex) error {
	interval := time.Duration(c.conf.PingInterval)
	for {
		frame := binary.NewMsgPing(time.Now()).Marshal()

		mu.Lock()
		ws.SetWriteDeadline(time.Now().Add(time.Second))
		err := ws.WriteMessage(websocket.BinaryMessage, frame)
		mu.Unlock()
		if err != nil {
			return xerrors.Errorf("pinger: %w", err)
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Connection) sender(ctx context.Context, ws *websocket.Conn, mu *sync.Mutex, lastseq int) error {
	for {
		msgs, err := c.msgbuf.Read(lastseq)
		if err != nil {
			return unrecoverable(xerrors.Errorf("sender read: %w", err))
		}

		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			mu.Lock()
			ws.SetWriteDeadline(time.Now().Add(time.Second))
			err := ws.WriteMessage(websocket.BinaryMessage, msg.frame)
			mu.Unlock()
			if err != nil {
				return xerrors.Errorf("sender write(%v): %w", msg.seq, err)
			}
			lastseq = msg.seq
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.msgbuf.HasData():
		}
	}
}

func (c *Connection) systemSender(ctx context.Context, ws *websocket.Conn, mu *sync.Mutex) error {
	// 送信中の投げ込みも受け付けるようcap=1のチャネルを挟む
	mc := make(chan binary.Msg, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case mc <- <-c.sysmsg:
			}
		}
	}()

	for {
		var msg binary.Msg
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-mc:
		}

		mu.Lock()
		ws.SetWriteDeadline(time.Now().Add(time.Second))
		err := ws.WriteMessage(websocket.BinaryMessage, msg.Marshal())
		mu.Unlock()
		if err != nil {
			return xerrors.Errorf("systemSender write: %w", err)
		}
	}
}
