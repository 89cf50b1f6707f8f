package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/comms-dev/comms/internal/domain"
	"github.com/coder/websocket"
)

const auditPollInterval = time.Second

// handleAuditWatch streams new ledger entries to a websocket client. The
// ledger is replayable, so the stream simply tails entries after the
// client's starting sequence number; a dropped client reconnects and
// resumes from wherever it likes.
func (s *Server) handleAuditWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The control API binds to loopback; browsers are not a client here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := r.Context()
	lastSeq, err := s.repo.LastAuditSeq(ctx)
	if err != nil {
		slog.Warn("audit watch: read ledger head", "error", err)
		return
	}

	ticker := time.NewTicker(auditPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := s.repo.AuditEntries(ctx, domain.AuditFilter{AfterSeq: lastSeq})
			if err != nil {
				slog.Warn("audit watch: read entries", "error", err)
				return
			}
			for _, entry := range entries {
				if err := writeEntry(ctx, conn, entry); err != nil {
					slog.Debug("audit watch: client gone", "error", err)
					return
				}
				lastSeq = entry.Seq
			}
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry *domain.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
