package batch

import (
	"context"
	"sort"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/gateway"
	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
)

// State 引擎状态，只能单向流转
type State int

const (
	Idle State = iota
	Accumulating
	Committing
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return "idle"
}

// Unit 批量请求中的一条记录
type Unit struct {
	Operation gateway.Operation
	ID        any
	Record    *rdb.Record
	Position  int
}

// Result 与请求顺序一致，尽力模式下失败的位置是 *errs.Error
type Result struct {
	Records []any
}

func (r *Result) Failed() []int {
	return gateway.Failed(r.Records)
}

// Database 可以开启事务的执行器
type Database interface {
	rdb.Executor
	Begin(ctx context.Context) (*rdb.Tx, error)
	WithTx(ctx context.Context, fn func(tx *rdb.Tx) error) error
}

type Options struct {
	// 任一记录失败时回滚全部修改
	Rollback bool
}

// group 延迟执行的同类操作
type group struct {
	operation gateway.Operation
	patch     *rdb.Record
	ids       []any
	positions []int
}

// Engine 一次请求内的批量执行，只能使用一次
type Engine struct {
	gw      *gateway.Gateway
	db      Database
	tc      *gateway.TxContext
	options Options
	logger  logger.Logger

	state   State
	tx      *rdb.Tx
	results []any
	groups  []*group
	index   map[string]*group
}

func NewEngine(gw *gateway.Gateway, db Database, tc *gateway.TxContext, options Options, l logger.Logger) *Engine {
	if l == nil {
		l = log.Default()
	}
	return &Engine{
		gw:      gw,
		db:      db,
		tc:      tc,
		options: options,
		logger:  l.WithGroup("batch"),
		index:   map[string]*group{},
	}
}

func (e *Engine) State() State {
	return e.state
}

func (e *Engine) executor() rdb.Executor {
	if e.tx != nil {
		return e.tx
	}
	return e.db
}

// Add 立即执行新建、带关系数据的更新与需要展开关联的删除，其余按形状分组延迟执行
func (e *Engine) Add(ctx context.Context, u Unit) error {
	switch e.state {
	case Idle:
		if e.options.Rollback {
			tx, err := e.db.Begin(ctx)
			if err != nil {
				e.state = RolledBack
				return errs.Wrap(err)
			}
			e.tx = tx
		}
		e.state = Accumulating
	case Accumulating:
	default:
		return errs.Internal(nil, "batch is already %s", e.state)
	}
	if err := ctx.Err(); err != nil {
		return e.abort(ctx, errs.Internal(err, "batch cancelled"), nil)
	}
	if u.Position < 0 {
		return e.abort(ctx, errs.BadRequest("Invalid record position %d.", u.Position), nil)
	}
	if u.Operation != e.tc.Operation {
		return e.abort(ctx, errs.BadRequest("Operation '%s' can not be mixed into a '%s' batch.", u.Operation, e.tc.Operation), []int{u.Position})
	}
	for len(e.results) <= u.Position {
		e.results = append(e.results, nil)
	}

	switch u.Operation {
	case gateway.OpCreate:
		return e.immediate(ctx, u.Position, func(exec rdb.Executor) (*rdb.Record, error) {
			return e.gw.Create(ctx, exec, e.tc, u.Record)
		})
	case gateway.OpRead:
		e.postpone(gateway.OpRead, nil, e.identify(u), u.Position)
	case gateway.OpUpdate:
		if hasRelations(e.tc.Table, u.Record) {
			return e.immediate(ctx, u.Position, func(exec rdb.Executor) (*rdb.Record, error) {
				return e.gw.Update(ctx, exec, e.tc, u.ID, u.Record)
			})
		}
		e.postpone(gateway.OpUpdate, e.patch(u.Record), e.identify(u), u.Position)
	case gateway.OpDelete:
		if len(e.tc.Related) > 0 {
			return e.immediate(ctx, u.Position, func(exec rdb.Executor) (*rdb.Record, error) {
				return e.gw.Delete(ctx, exec, e.tc, e.identify(u))
			})
		}
		e.postpone(gateway.OpDelete, nil, e.identify(u), u.Position)
	default:
		return e.abort(ctx, errs.BadRequest("Unsupported operation '%s'.", u.Operation), []int{u.Position})
	}
	return nil
}

// Commit 执行延迟的分组后提交，回滚模式下任一失败回滚全部修改
func (e *Engine) Commit(ctx context.Context) (*Result, error) {
	switch e.state {
	case Idle:
		e.state = Committed
		return &Result{Records: []any{}}, nil
	case Accumulating:
	default:
		return nil, errs.Internal(nil, "batch is already %s", e.state)
	}
	if err := ctx.Err(); err != nil {
		return nil, e.abort(ctx, errs.Internal(err, "batch cancelled"), nil)
	}
	e.state = Committing

	for _, g := range e.groups {
		if err := ctx.Err(); err != nil {
			return nil, e.abort(ctx, errs.Internal(err, "batch cancelled"), nil)
		}
		slots, err := e.flush(ctx, g)
		if err != nil {
			if e.options.Rollback {
				return nil, e.abort(ctx, errs.Wrap(err), g.positions)
			}
			// 整组失败，例如修改内容无法解析
			slots = make([]any, len(g.ids))
			for i := range slots {
				slots[i] = errs.Wrap(err)
			}
		}
		var failed []int
		var first error
		for i, s := range slots {
			pos := g.positions[i]
			e.results[pos] = s
			if err, ok := s.(error); ok {
				failed = append(failed, pos)
				if first == nil {
					first = err
				}
			}
		}
		if len(failed) > 0 && e.options.Rollback {
			return nil, e.abort(ctx, errs.Wrap(first), failed)
		}
	}

	if e.tx != nil {
		if err := e.tx.Commit(ctx); err != nil {
			e.state = RolledBack
			return nil, errs.Wrap(err)
		}
	}
	e.state = Committed
	e.logger.DebugContext(ctx, "batch committed", "table", e.tc.Table.Name, "records", len(e.results), "groups", len(e.groups), "rollback", e.options.Rollback)
	return &Result{Records: e.results}, nil
}

// Rollback 放弃尚未提交的批量操作
func (e *Engine) Rollback(ctx context.Context) error {
	if e.state == Committed || e.state == RolledBack {
		return nil
	}
	e.state = RolledBack
	if e.tx == nil {
		return nil
	}
	return e.tx.Rollback(ctx)
}

func (e *Engine) flush(ctx context.Context, g *group) ([]any, error) {
	exec := e.executor()
	switch g.operation {
	case gateway.OpRead:
		return e.gw.ReadByIDs(ctx, exec, e.tc, g.ids)
	case gateway.OpUpdate:
		return e.gw.UpdateByIDs(ctx, exec, e.tc, g.ids, g.patch)
	case gateway.OpDelete:
		return e.gw.DeleteByIDs(ctx, exec, e.tc, g.ids)
	}
	return nil, errs.Internal(nil, "unexpected deferred operation %s", g.operation)
}

// immediate 立即执行一条记录，尽力模式下每条记录在自己的事务中执行，关系数据失败时记录本身也不保留
func (e *Engine) immediate(ctx context.Context, pos int, fn func(exec rdb.Executor) (*rdb.Record, error)) error {
	if e.tx != nil {
		r, err := fn(e.tx)
		return e.record(ctx, pos, r, err)
	}
	var r *rdb.Record
	err := e.db.WithTx(ctx, func(tx *rdb.Tx) error {
		var err error
		r, err = fn(tx)
		return err
	})
	if err != nil {
		r = nil
	}
	return e.record(ctx, pos, r, err)
}

// record 保存立即执行的结果，回滚模式下失败即终止
func (e *Engine) record(ctx context.Context, pos int, r *rdb.Record, err error) error {
	if err == nil {
		e.results[pos] = r
		return nil
	}
	if e.options.Rollback {
		return e.abort(ctx, errs.Wrap(err), []int{pos})
	}
	e.results[pos] = errs.Wrap(err)
	return nil
}

// abort 回滚并返回带失败位置的错误
func (e *Engine) abort(ctx context.Context, err *errs.Error, failed []int) error {
	if rerr := e.Rollback(ctx); rerr != nil {
		e.logger.ErrorContext(ctx, "rollback failed", "table", e.tc.Table.Name, "error", rerr)
	}
	if len(failed) > 0 {
		sort.Ints(failed)
		err.WithContext("failed", failed)
	}
	e.logger.WarnContext(ctx, "batch aborted", "table", e.tc.Table.Name, "failed", failed, "error", err.Message)
	return err
}

func (e *Engine) postpone(op gateway.Operation, patch *rdb.Record, id any, pos int) {
	key := string(op)
	if patch != nil {
		data, _ := patch.MarshalJSON()
		key += ":" + string(data)
	}
	g, ok := e.index[key]
	if !ok {
		g = &group{operation: op, patch: patch}
		e.index[key] = g
		e.groups = append(e.groups, g)
	}
	g.ids = append(g.ids, id)
	g.positions = append(g.positions, pos)
}

// identify 没有单独给出标识时使用记录本身
func (e *Engine) identify(u Unit) any {
	if u.ID != nil {
		return u.ID
	}
	return u.Record
}

// patch 去掉标识字段后的修改内容，相同内容的更新合并为一条语句
func (e *Engine) patch(r *rdb.Record) *rdb.Record {
	out := rdb.NewRecord()
	if r == nil {
		return out
	}
	ids := map[string]bool{}
	for _, f := range e.tc.IDFields {
		ids[f.Name] = true
	}
	r.Range(func(k string, v any) bool {
		if !ids[k] {
			out.Set(k, v)
		}
		return true
	})
	return out
}

// hasRelations 记录中是否带有需要收敛的关系数据
func hasRelations(ts *schema.TableSchema, r *rdb.Record) bool {
	if r == nil {
		return false
	}
	for _, rel := range ts.Relations {
		if rel.Kind != schema.BelongsTo && r.Has(rel.Name) {
			return true
		}
	}
	return false
}
