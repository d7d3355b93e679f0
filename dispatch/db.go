package dispatch

import (
	"context"
	"strings"

	"github.com/hatlonely/sqlgate/batch"
	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/gateway"
	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/rdb/query"
)

// Records 批量操作的结果，失败的位置序列化为 {"error": {...}}
type Records struct {
	Record []any `json:"record"`
}

// DBService 以表为资源的记录服务
type DBService struct {
	gw     *gateway.Gateway
	db     batch.Database
	logger logger.Logger
}

// NewDBService 构造记录服务，PATCH 是 PUT 的别名，_schema 与 _count 为额外动作
func NewDBService(gw *gateway.Gateway, db batch.Database, l logger.Logger, opts ...ServiceOption) *Service {
	if l == nil {
		l = log.Default()
	}
	s := &DBService{gw: gw, db: db, logger: l}
	handlers := map[Verb]Handler{
		GET:    s.get,
		POST:   s.post,
		PUT:    s.put,
		DELETE: s.delete,
	}
	opts = append([]ServiceOption{
		WithAlias(PATCH, PUT),
		WithAction("_schema", s.schema),
		WithAction("_count", s.count),
		WithServiceLogger(l),
	}, opts...)
	return NewService("db", handlers, opts...)
}

func (s *DBService) txContext(ctx context.Context, req *Request, table string, op gateway.Operation) (*gateway.TxContext, error) {
	return s.gw.NewTxContext(ctx, table, op, gateway.Params{
		Fields:             req.Param("fields"),
		IDField:            req.Param("id_field"),
		Related:            req.Param("related"),
		AllowRelatedDelete: req.BoolParam("allow_related_delete"),
	})
}

func (s *DBService) get(ctx context.Context, req *Request) (any, error) {
	if req.Resource == "" {
		return s.tables(ctx)
	}
	tc, err := s.txContext(ctx, req, req.Resource, gateway.OpRead)
	if err != nil {
		return nil, err
	}
	if id := req.Segment(0); id != "" {
		return s.gw.Get(ctx, s.db, tc, id)
	}
	if ids := splitIDs(req.Param("ids")); len(ids) > 0 {
		return s.run(ctx, tc, req, idUnits(gateway.OpRead, ids, nil))
	}
	if records, ok := recordList(req.Payload); ok {
		units, err := recordUnits(gateway.OpRead, records)
		if err != nil {
			return nil, err
		}
		return s.run(ctx, tc, req, units)
	}

	filter, err := parseFilter(req.Param("filter"))
	if err != nil {
		return nil, err
	}
	limit, err := req.IntParam("limit")
	if err != nil {
		return nil, err
	}
	offset, err := req.IntParam("offset")
	if err != nil {
		return nil, err
	}
	return s.gw.List(ctx, s.db, tc, filter, gateway.ListOptions{
		Order:         req.Param("order"),
		Limit:         limit,
		Offset:        offset,
		IncludeCount:  req.BoolParam("include_count"),
		IncludeSchema: req.BoolParam("include_schema"),
	})
}

func (s *DBService) post(ctx context.Context, req *Request) (any, error) {
	if req.Resource == "" {
		return nil, Unhandled
	}
	tc, err := s.txContext(ctx, req, req.Resource, gateway.OpCreate)
	if err != nil {
		return nil, err
	}
	if records, ok := recordList(req.Payload); ok {
		units, err := recordUnits(gateway.OpCreate, records)
		if err != nil {
			return nil, err
		}
		return s.run(ctx, tc, req, units)
	}
	record, ok := req.Payload.(*rdb.Record)
	if !ok {
		return nil, errs.BadRequest("No record in POST create request.")
	}
	return s.single(ctx, tc, batch.Unit{Operation: gateway.OpCreate, Record: record})
}

func (s *DBService) put(ctx context.Context, req *Request) (any, error) {
	if req.Resource == "" {
		return nil, Unhandled
	}
	tc, err := s.txContext(ctx, req, req.Resource, gateway.OpUpdate)
	if err != nil {
		return nil, err
	}
	if records, ok := recordList(req.Payload); ok {
		units, err := recordUnits(gateway.OpUpdate, records)
		if err != nil {
			return nil, err
		}
		return s.run(ctx, tc, req, units)
	}
	record, ok := req.Payload.(*rdb.Record)
	if !ok {
		return nil, errs.BadRequest("No record in %s update request.", req.OriginalVerb)
	}
	if id := req.Segment(0); id != "" {
		return s.single(ctx, tc, batch.Unit{Operation: gateway.OpUpdate, ID: id, Record: record})
	}
	if ids := splitIDs(req.Param("ids")); len(ids) > 0 {
		return s.run(ctx, tc, req, idUnits(gateway.OpUpdate, ids, record))
	}
	if f := req.Param("filter"); f != "" {
		filter, err := parseFilter(f)
		if err != nil {
			return nil, err
		}
		var out []*rdb.Record
		err = s.db.WithTx(ctx, func(tx *rdb.Tx) error {
			out, err = s.gw.UpdateByFilter(ctx, tx, tc, filter, record)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &gateway.Collection{Records: out}, nil
	}
	return s.single(ctx, tc, batch.Unit{Operation: gateway.OpUpdate, Record: record})
}

func (s *DBService) delete(ctx context.Context, req *Request) (any, error) {
	if req.Resource == "" {
		return nil, Unhandled
	}
	tc, err := s.txContext(ctx, req, req.Resource, gateway.OpDelete)
	if err != nil {
		return nil, err
	}
	if id := req.Segment(0); id != "" {
		return s.gw.Delete(ctx, s.db, tc, id)
	}
	if ids := splitIDs(req.Param("ids")); len(ids) > 0 {
		return s.run(ctx, tc, req, idUnits(gateway.OpDelete, ids, nil))
	}
	if records, ok := recordList(req.Payload); ok {
		units, err := recordUnits(gateway.OpDelete, records)
		if err != nil {
			return nil, err
		}
		return s.run(ctx, tc, req, units)
	}
	filter, err := parseFilter(req.Param("filter"))
	if err != nil {
		return nil, err
	}
	var out []*rdb.Record
	err = s.db.WithTx(ctx, func(tx *rdb.Tx) error {
		out, err = s.gw.DeleteByFilter(ctx, tx, tc, filter, req.BoolParam("force"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &gateway.Collection{Records: out}, nil
}

// schema GET 列出表或描述一个表，DELETE 清除表结构缓存
func (s *DBService) schema(ctx context.Context, req *Request) (any, error) {
	table := req.Segment(0)
	switch req.Verb {
	case GET:
		if table == "" {
			return s.tables(ctx)
		}
		return s.gw.Describe(ctx, table)
	case DELETE:
		s.gw.Invalidate(ctx, table)
		return rdb.RecordOf("success", true), nil
	}
	return nil, Unhandled
}

func (s *DBService) count(ctx context.Context, req *Request) (any, error) {
	if req.Verb != GET || req.Segment(0) == "" {
		return nil, Unhandled
	}
	tc, err := s.txContext(ctx, req, req.Segment(0), gateway.OpRead)
	if err != nil {
		return nil, err
	}
	filter, err := parseFilter(req.Param("filter"))
	if err != nil {
		return nil, err
	}
	n, err := s.gw.Count(ctx, s.db, tc, filter)
	if err != nil {
		return nil, err
	}
	return rdb.RecordOf("count", n), nil
}

func (s *DBService) tables(ctx context.Context) (any, error) {
	tables, err := s.gw.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	resources := make([]*rdb.Record, len(tables))
	for i, t := range tables {
		resources[i] = rdb.RecordOf("name", t)
	}
	return rdb.RecordOf("resource", resources), nil
}

// run 通过批量引擎执行，rollback 参数决定失败时是否回滚全部修改
func (s *DBService) run(ctx context.Context, tc *gateway.TxContext, req *Request, units []batch.Unit) (any, error) {
	engine := batch.NewEngine(s.gw, s.db, tc, batch.Options{Rollback: req.BoolParam("rollback")}, s.logger)
	for _, u := range units {
		if err := engine.Add(ctx, u); err != nil {
			return nil, err
		}
	}
	result, err := engine.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Records{Record: result.Records}, nil
}

// single 单条写入同样在事务中执行，关系数据与记录一起提交或回滚
func (s *DBService) single(ctx context.Context, tc *gateway.TxContext, u batch.Unit) (any, error) {
	engine := batch.NewEngine(s.gw, s.db, tc, batch.Options{Rollback: true}, s.logger)
	if err := engine.Add(ctx, u); err != nil {
		return nil, err
	}
	result, err := engine.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return result.Records[0], nil
}

func parseFilter(s string) (*query.FilterSpec, error) {
	filter, err := query.ParseFilter(s)
	if err != nil {
		return nil, errs.BadRequest("Invalid filter: %s", err.Error())
	}
	return filter, nil
}

func splitIDs(param string) []any {
	var out []any
	for _, id := range strings.Split(param, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// recordList 请求体为数组，或带有 record 数组的对象
func recordList(payload any) ([]any, bool) {
	switch x := payload.(type) {
	case []any:
		return x, true
	case *rdb.Record:
		if v, ok := x.Get("record"); ok {
			if list, ok := v.([]any); ok {
				return list, true
			}
		}
	}
	return nil, false
}

func idUnits(op gateway.Operation, ids []any, patch *rdb.Record) []batch.Unit {
	units := make([]batch.Unit, len(ids))
	for i, id := range ids {
		units[i] = batch.Unit{Operation: op, ID: id, Record: patch, Position: i}
	}
	return units
}

// recordUnits 读取与删除时条目可以只是标识，新建与更新的条目必须是对象
func recordUnits(op gateway.Operation, records []any) ([]batch.Unit, error) {
	units := make([]batch.Unit, len(records))
	for i, r := range records {
		switch x := r.(type) {
		case *rdb.Record:
			units[i] = batch.Unit{Operation: op, Record: x, Position: i}
		case nil, []any, map[string]any:
			return nil, errs.BadRequest("Record %d must be an object.", i)
		default:
			if op == gateway.OpCreate || op == gateway.OpUpdate {
				return nil, errs.BadRequest("Record %d must be an object.", i)
			}
			units[i] = batch.Unit{Operation: op, ID: x, Position: i}
		}
	}
	return units, nil
}
