package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func TestRoomMirror(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM room WHERE host_id").WillReturnResult(sqlmock.NewResult(0, 0)) // 起動時の掃除
	mock.ExpectExec("INSERT INTO room").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE room SET").WillReturnResult(sqlmock.NewResult(0, 1)) // 入室
	mock.ExpectExec("UPDATE room SET").WillReturnResult(sqlmock.NewResult(0, 1)) // 退室
	mock.ExpectExec("DELETE FROM room").WillReturnResult(sqlmock.NewResult(0, 1))

	reg := NewRegistry(sqlx.NewDb(db, "mysql"), 1, testLobbyConf(), nil, zap.NewNop().Sugar())
	conn := newFakeConn(1)
	room, err := reg.CreateRoom(context.Background(), conn, "", 2)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	reg.RemoveConnectionEverywhere(conn)
	select {
	case <-room.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("room was not closed")
	}

	// deleteはDoneの後に走るので満了を待つ
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("unmet expectations: %v", mock.ExpectationsWereMet())
}
