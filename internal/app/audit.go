package app

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/storage"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

const auditWriteTimeout = 2 * time.Second

// auditObserver records every dispatch in the store's audit trail.
func auditObserver(store storage.Store, log logx.Logger) action.Observer {
	return func(ctx context.Context, c action.Call) {
		e := storage.AuditEntry{
			At:        c.Started,
			CallID:    c.ID,
			Requested: c.Name,
			Action:    c.Action,
			OK:        c.Err == nil,
			TookMS:    c.Duration.Milliseconds(),
		}
		if c.Err != nil {
			e.Error = c.Err.Error()
		}
		if len(c.Args) > 0 {
			if b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(c.Args); err == nil {
				e.ArgsJSON = string(b)
			}
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
		defer cancel()
		if err := store.AppendAudit(wctx, e); err != nil {
			log.Warn("audit write failed", logx.String("call_id", c.ID), logx.Err(err))
		}
	}
}
