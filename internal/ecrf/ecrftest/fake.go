// Package ecrftest 提供内存版 eCRF Gateway，供其它包的单元测试使用
package ecrftest

import (
	"context"
	"fmt"
	"sync"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
)

// Fake 记录所有写操作，可按患者/归属键注入失败
type Fake struct {
	mu sync.Mutex

	// Session 服务令牌（ctx 无调用者令牌）时的会话
	Session ecrf.Session
	// Sessions 按调用者令牌返回的会话
	Sessions map[string]ecrf.Session

	// SampleForms key = OwnerKind + ":" + ownerKey
	SampleForms map[string]ecrf.FormMetadata
	Forms       map[string]ecrf.FormMetadata

	// TaskErrors 按患者 ID 注入 CreateTask 失败
	TaskErrors map[string]error
	// UpdateErrors 按表单 ID 注入 UpdateForm 失败
	UpdateErrors map[string]error

	Tasks        []ecrf.CreateTaskRequest
	FormUpdates  map[string][]ecrf.FieldValue
	LocateCalls  int
	SessionCalls int

	seq int
}

func New(teamID int64) *Fake {
	return &Fake{
		Session:      ecrf.Session{Timezone: "Europe/Madrid", Language: "es", TeamID: teamID},
		Sessions:     map[string]ecrf.Session{},
		SampleForms:  map[string]ecrf.FormMetadata{},
		Forms:        map[string]ecrf.FormMetadata{},
		TaskErrors:   map[string]error{},
		UpdateErrors: map[string]error{},
		FormUpdates:  map[string][]ecrf.FieldValue{},
	}
}

var _ ecrf.Gateway = (*Fake)(nil)

// AddSampleForm 注册一个可定位的样本表单
func (f *Fake) AddSampleForm(kind ecrf.OwnerKind, key string, form ecrf.FormMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SampleForms[string(kind)+":"+key] = form
	f.Forms[form.FormID] = form
}

func (f *Fake) CreateTask(_ context.Context, req ecrf.CreateTaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.TaskErrors[req.PatientID]; err != nil {
		return "", err
	}
	f.seq++
	f.Tasks = append(f.Tasks, req)
	return fmt.Sprintf("task-%d", f.seq), nil
}

// TasksFor 某患者某类型的任务
func (f *Fake) TasksFor(patientID string, code ecrf.TaskCode) []ecrf.CreateTaskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ecrf.CreateTaskRequest
	for _, t := range f.Tasks {
		if t.PatientID == patientID && t.TaskCode == code {
			out = append(out, t)
		}
	}
	return out
}

func (f *Fake) FindForm(_ context.Context, formID string) (*ecrf.FormMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	form, ok := f.Forms[formID]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "form", ID: formID}
	}
	return &form, nil
}

func (f *Fake) UpdateForm(_ context.Context, formID string, values []ecrf.FieldValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.UpdateErrors[formID]; err != nil {
		return err
	}
	if _, ok := f.Forms[formID]; !ok {
		return &domain.NotFoundError{Entity: "form", ID: formID}
	}
	f.FormUpdates[formID] = append(f.FormUpdates[formID], values...)
	return nil
}

// AddUser 注册一个调用者令牌及其所属站点
func (f *Fake) AddUser(token string, teamID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.Session
	s.TeamID = teamID
	f.Sessions[token] = s
}

func (f *Fake) CurrentSession(ctx context.Context) (*ecrf.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SessionCalls++
	token, ok := ecrf.CredentialFrom(ctx)
	if !ok {
		s := f.Session
		return &s, nil
	}
	s, known := f.Sessions[token]
	if !known {
		return nil, &domain.ApplicationError{Op: "current_session", Code: 401, Message: "invalid token"}
	}
	return &s, nil
}

func (f *Fake) LocateSampleForm(_ context.Context, kind ecrf.OwnerKind, key string) (*ecrf.FormMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LocateCalls++
	form, ok := f.SampleForms[string(kind)+":"+key]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "sample form", ID: key}
	}
	return &form, nil
}
