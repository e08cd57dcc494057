package server

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Client 管理服務的客戶端
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// TriggerInfo ListTriggers 的一筆結果
type TriggerInfo struct {
	Key          types.TriggerKey
	Job          string
	State        types.TriggerState
	NextFireTime int64
	Priority     int
}

// Dial connects to the admin service at addr (host:port).
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "dial admin service %s", addr)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close 關閉 Dial 建立的連線
func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

func (c *Client) call(ctx context.Context, name string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+name, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func keyArgs(key types.TriggerKey) map[string]any {
	return map[string]any{"name": key.Name, "group": key.Group}
}

// Status 回傳伺服器狀態欄位
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out, err := c.call(ctx, "Status", nil)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) TriggerState(ctx context.Context, key types.TriggerKey) (types.TriggerState, error) {
	out, err := c.call(ctx, "TriggerState", keyArgs(key))
	if err != nil {
		return types.StateNone, err
	}
	return types.TriggerState(field(out, "state")), nil
}

// ListTriggers 列出 group 內（空字串表示全部）的觸發器
func (c *Client) ListTriggers(ctx context.Context, group string) ([]TriggerInfo, error) {
	var args map[string]any
	if group != "" {
		args = map[string]any{"group": group}
	}
	out, err := c.call(ctx, "ListTriggers", args)
	if err != nil {
		return nil, err
	}
	var list []TriggerInfo
	for _, v := range out.GetFields()["triggers"].GetListValue().GetValues() {
		st := v.GetStructValue()
		list = append(list, TriggerInfo{
			Key:          types.NewTriggerKey(field(st, "name"), field(st, "group")),
			Job:          field(st, "job"),
			State:        types.TriggerState(field(st, "state")),
			NextFireTime: int64(st.GetFields()["next_fire_time"].GetNumberValue()),
			Priority:     int(st.GetFields()["priority"].GetNumberValue()),
		})
	}
	return list, nil
}

func (c *Client) PauseTrigger(ctx context.Context, key types.TriggerKey) error {
	_, err := c.call(ctx, "PauseTrigger", keyArgs(key))
	return err
}

func (c *Client) ResumeTrigger(ctx context.Context, key types.TriggerKey) error {
	_, err := c.call(ctx, "ResumeTrigger", keyArgs(key))
	return err
}

// PauseGroup 回傳實際被暫停的群組
func (c *Client) PauseGroup(ctx context.Context, group string) ([]string, error) {
	out, err := c.call(ctx, "PauseGroup", map[string]any{"group": group})
	if err != nil {
		return nil, err
	}
	return stringList(out, "groups"), nil
}

func (c *Client) ResumeGroup(ctx context.Context, group string) ([]string, error) {
	out, err := c.call(ctx, "ResumeGroup", map[string]any{"group": group})
	if err != nil {
		return nil, err
	}
	return stringList(out, "groups"), nil
}

func (c *Client) PauseAll(ctx context.Context) error {
	_, err := c.call(ctx, "PauseAll", nil)
	return err
}

func (c *Client) ResumeAll(ctx context.Context) error {
	_, err := c.call(ctx, "ResumeAll", nil)
	return err
}

// Schedule 存入 job 與 trigger；job 為 nil 表示任務已存在
func (c *Client) Schedule(ctx context.Context, job *types.JobDetail, t *types.Trigger, replace bool) error {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"replace": structpb.NewBoolValue(replace),
	}}
	if job != nil {
		v, err := encode(job)
		if err != nil {
			return errors.Wrap(err, "encode job")
		}
		req.Fields["job"] = v
	}
	if t != nil {
		v, err := encode(t)
		if err != nil {
			return errors.Wrap(err, "encode trigger")
		}
		req.Fields["trigger"] = v
	}
	return c.conn.Invoke(ctx, "/"+serviceName+"/Schedule", req, &structpb.Struct{})
}

func (c *Client) Unschedule(ctx context.Context, key types.TriggerKey) (bool, error) {
	out, err := c.call(ctx, "Unschedule", keyArgs(key))
	if err != nil {
		return false, err
	}
	return out.GetFields()["removed"].GetBoolValue(), nil
}

// StoreCalendar 存入日曆；replace 時 updateTriggers 會重新計算使用它的觸發器
func (c *Client) StoreCalendar(ctx context.Context, name string, cal types.Calendar, replace, updateTriggers bool) error {
	blob, err := types.MarshalCalendar(cal)
	if err != nil {
		return errors.Wrapf(err, "encode calendar %s", name)
	}
	_, err = c.call(ctx, "StoreCalendar", map[string]any{
		"name":            name,
		"calendar":        string(blob),
		"replace":         replace,
		"update_triggers": updateTriggers,
	})
	return err
}

func stringList(st *structpb.Struct, name string) []string {
	var out []string
	for _, v := range st.GetFields()[name].GetListValue().GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}
