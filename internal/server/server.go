// ============================================================================
// beaver-sched 管理服務 - gRPC Admin Service
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gRPC 提供排程器的管理操作（查詢狀態、暫停 / 恢復、排入任務）
//
// 訊息格式:
//   請求與回應都是 google.protobuf.Struct，服務描述直接手寫在這裡，
//   不需要產生程式碼。任務與觸發器以 JSON 欄位名稱放進 Struct。
//
// 錯誤對應:
//   ErrObjectAlreadyExists  -> codes.AlreadyExists
//   ErrReferentialIntegrity -> codes.FailedPrecondition
//   ErrInvalidTrigger       -> codes.InvalidArgument
//   ErrSchedulerShuttingDown -> codes.Unavailable
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-sched/internal/controller"
	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

const serviceName = "beaver.admin.v1.Admin"

// Scheduler 管理服務用到的引擎操作
type Scheduler interface {
	GetTriggerState(ctx context.Context, key types.TriggerKey) (types.TriggerState, error)
	RetrieveTrigger(ctx context.Context, key types.TriggerKey) (*types.Trigger, error)
	GetTriggerKeys(ctx context.Context, m types.GroupMatcher) ([]types.TriggerKey, error)
	PauseTrigger(ctx context.Context, key types.TriggerKey) error
	ResumeTrigger(ctx context.Context, key types.TriggerKey) error
	PauseTriggers(ctx context.Context, m types.GroupMatcher) ([]string, error)
	ResumeTriggers(ctx context.Context, m types.GroupMatcher) ([]string, error)
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
	GetPausedTriggerGroups(ctx context.Context) ([]string, error)
	StoreJob(ctx context.Context, job *types.JobDetail, replace bool) error
	StoreTrigger(ctx context.Context, t *types.Trigger, replace bool) error
	RemoveTrigger(ctx context.Context, key types.TriggerKey) (bool, error)
	StoreCalendar(ctx context.Context, name string, cal types.Calendar, replace, updateTriggers bool) error
	Counts(ctx context.Context) (jobstore.Counts, error)
}

// StatusSource 提供執行迴圈的狀態
type StatusSource interface {
	GetStatus() controller.Status
}

// AdminServer 管理服務
type AdminServer interface {
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	TriggerState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTriggers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PauseTrigger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ResumeTrigger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PauseGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ResumeGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PauseAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ResumeAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Schedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Unschedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StoreCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server implements AdminServer on top of a job store engine.
type Server struct {
	sched  Scheduler
	status StatusSource
	log    *zap.SugaredLogger
}

var _ AdminServer = (*Server)(nil)

// NewServer creates the admin service. status may be nil when no runner is
// attached to the engine.
func NewServer(sched Scheduler, status StatusSource, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{sched: sched, status: status, log: logger.With("component", "admin")}
}

// Register 把服務註冊到 gRPC server
func Register(gs *grpc.Server, srv AdminServer) {
	gs.RegisterService(&serviceDesc, srv)
}

// Serve 在 port 上提供服務，直到 ctx 結束
func (s *Server) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", port)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener 在既有的 listener 上提供服務
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	Register(gs, s)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	s.log.Infow("admin service listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return errors.Wrap(err, "admin service")
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warnw("admin call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		s.log.Debugw("admin call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// 服務方法
// ============================================================================

func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	counts, err := s.sched.Counts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	paused, err := s.sched.GetPausedTriggerGroups(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"jobs":          counts.Jobs,
		"triggers":      counts.Triggers,
		"calendars":     counts.Calendars,
		"paused_groups": anyList(paused),
	}
	if s.status != nil {
		st := s.status.GetStatus()
		out["instance_id"] = st.InstanceID
		out["running"] = st.Running
		out["uptime_ms"] = st.Uptime.Milliseconds()
		out["workers"] = st.Workers
		out["available"] = st.Available
		out["fired"] = st.Fired
		out["completed"] = st.Completed
		out["misfired"] = st.Misfired
		out["finalized"] = st.Finalized
	}
	return newStruct(out)
}

func (s *Server) TriggerState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := triggerKey(req)
	if err != nil {
		return nil, err
	}
	state, err := s.sched.GetTriggerState(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"state": string(state)})
}

func (s *Server) ListTriggers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := types.AnyGroup()
	if g := field(req, "group"); g != "" {
		m = types.GroupEquals(g)
	}
	keys, err := s.sched.GetTriggerKeys(ctx, m)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(keys))
	for _, k := range keys {
		t, err := s.sched.RetrieveTrigger(ctx, k)
		if err != nil {
			return nil, toStatus(err)
		}
		if t == nil {
			continue // 查詢之間被刪除
		}
		state, err := s.sched.GetTriggerState(ctx, k)
		if err != nil {
			return nil, toStatus(err)
		}
		list = append(list, map[string]any{
			"name":           k.Name,
			"group":          k.Group,
			"job":            t.JobKey.String(),
			"state":          string(state),
			"next_fire_time": float64(t.NextFireTime),
			"priority":       t.Priority,
		})
	}
	return newStruct(map[string]any{"triggers": list})
}

func (s *Server) PauseTrigger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := triggerKey(req)
	if err != nil {
		return nil, err
	}
	if err := s.sched.PauseTrigger(ctx, key); err != nil {
		return nil, toStatus(err)
	}
	s.log.Infow("trigger paused", "trigger", key.String())
	return &structpb.Struct{}, nil
}

func (s *Server) ResumeTrigger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := triggerKey(req)
	if err != nil {
		return nil, err
	}
	if err := s.sched.ResumeTrigger(ctx, key); err != nil {
		return nil, toStatus(err)
	}
	s.log.Infow("trigger resumed", "trigger", key.String())
	return &structpb.Struct{}, nil
}

func (s *Server) PauseGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	group := field(req, "group")
	if group == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	groups, err := s.sched.PauseTriggers(ctx, types.GroupEquals(group))
	if err != nil {
		return nil, toStatus(err)
	}
	s.log.Infow("trigger group paused", "group", group)
	return newStruct(map[string]any{"groups": anyList(groups)})
}

func (s *Server) ResumeGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	group := field(req, "group")
	if group == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	groups, err := s.sched.ResumeTriggers(ctx, types.GroupEquals(group))
	if err != nil {
		return nil, toStatus(err)
	}
	s.log.Infow("trigger group resumed", "group", group)
	return newStruct(map[string]any{"groups": anyList(groups)})
}

func (s *Server) PauseAll(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.sched.PauseAll(ctx); err != nil {
		return nil, toStatus(err)
	}
	s.log.Infow("all triggers paused")
	return &structpb.Struct{}, nil
}

func (s *Server) ResumeAll(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.sched.ResumeAll(ctx); err != nil {
		return nil, toStatus(err)
	}
	s.log.Infow("all triggers resumed")
	return &structpb.Struct{}, nil
}

// Schedule 存入 job（可省略，表示任務已存在）與 trigger
func (s *Server) Schedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	replace := req.GetFields()["replace"].GetBoolValue()

	if v, ok := req.GetFields()["job"]; ok {
		job := &types.JobDetail{}
		if err := decode(v, job); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "job: %v", err)
		}
		if job.Key.Name == "" {
			return nil, status.Error(codes.InvalidArgument, "job name is required")
		}
		if err := s.sched.StoreJob(ctx, job, replace); err != nil {
			return nil, toStatus(err)
		}
	}

	v, ok := req.GetFields()["trigger"]
	if !ok {
		return &structpb.Struct{}, nil
	}
	t := &types.Trigger{}
	if err := decode(v, t); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "trigger: %v", err)
	}
	if err := s.sched.StoreTrigger(ctx, t, replace); err != nil {
		return nil, toStatus(err)
	}
	s.log.Infow("trigger scheduled", "trigger", t.Key.String(), "job", t.JobKey.String())
	return &structpb.Struct{}, nil
}

func (s *Server) Unschedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := triggerKey(req)
	if err != nil {
		return nil, err
	}
	removed, err := s.sched.RemoveTrigger(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"removed": removed})
}

// StoreCalendar 存入日曆；calendar 欄位是 types.MarshalCalendar 的 JSON
func (s *Server) StoreCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := field(req, "name")
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "calendar name is required")
	}
	cal, err := types.UnmarshalCalendar([]byte(field(req, "calendar")))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "calendar %s: %v", name, err)
	}
	fields := req.GetFields()
	if err := s.sched.StoreCalendar(ctx, name, cal,
		fields["replace"].GetBoolValue(), fields["update_triggers"].GetBoolValue()); err != nil {
		return nil, toStatus(err)
	}
	s.log.Infow("calendar stored", "calendar", name)
	return &structpb.Struct{}, nil
}

// ============================================================================
// 輔助函式
// ============================================================================

func field(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func triggerKey(req *structpb.Struct) (types.TriggerKey, error) {
	name := field(req, "name")
	if name == "" {
		return types.TriggerKey{}, status.Error(codes.InvalidArgument, "trigger name is required")
	}
	group := field(req, "group")
	if group == "" {
		group = types.DefaultGroup
	}
	return types.NewTriggerKey(name, group), nil
}

// decode 透過 JSON 把 Struct 欄位轉成 Go 結構
func decode(v *structpb.Value, out any) error {
	raw, err := protojson.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// encode 把 Go 結構轉成 Struct 欄位
func encode(in any) (*structpb.Value, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	v := &structpb.Value{}
	if err := protojson.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

func anyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, jobstore.ErrObjectAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, jobstore.ErrReferentialIntegrity):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrInvalidTrigger), errors.Is(err, jobstore.ErrTriggerWillNeverFire):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, jobstore.ErrSchedulerShuttingDown), jobstore.IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// 服務描述
// ============================================================================

type method func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", AdminServer.Status),
		unary("TriggerState", AdminServer.TriggerState),
		unary("ListTriggers", AdminServer.ListTriggers),
		unary("PauseTrigger", AdminServer.PauseTrigger),
		unary("ResumeTrigger", AdminServer.ResumeTrigger),
		unary("PauseGroup", AdminServer.PauseGroup),
		unary("ResumeGroup", AdminServer.ResumeGroup),
		unary("PauseAll", AdminServer.PauseAll),
		unary("ResumeAll", AdminServer.ResumeAll),
		unary("Schedule", AdminServer.Schedule),
		unary("Unschedule", AdminServer.Unschedule),
		unary("StoreCalendar", AdminServer.StoreCalendar),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/admin/v1/admin.proto",
}
