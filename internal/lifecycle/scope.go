package lifecycle

import (
	"context"

	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/repository"
)

// Scope 单次调用的上下文：一个打开的事务 + eCRF 客户端 + 调用方会话
// 由 Runner 在调用边界创建，事务结束即失效，不得跨调用保存
type Scope struct {
	Tx      repository.Tx
	Gateway ecrf.Gateway
	Session *ecrf.Session
}

// Caller 调用方所在 Location（即 eCRF team id），无会话时为 0
func (sc *Scope) Caller() int64 {
	if sc.Session == nil {
		return 0
	}
	return sc.Session.TeamID
}

// Runner 为每次调用开启事务并构造 Scope
type Runner struct {
	store   repository.Store
	gateway ecrf.Gateway
}

func NewRunner(store repository.Store, gateway ecrf.Gateway) *Runner {
	return &Runner{store: store, gateway: gateway}
}

// Do 在一个事务内执行 fn；fn 返回错误时整体回滚
func (r *Runner) Do(ctx context.Context, sess *ecrf.Session, fn func(sc *Scope) error) error {
	return r.store.InTx(ctx, func(tx repository.Tx) error {
		return fn(&Scope{Tx: tx, Gateway: r.gateway, Session: sess})
	})
}
