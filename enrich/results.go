package enrich

import (
	"encoding/json"

	"github.com/hashicorp/go-multierror"
)

// FieldOutcome 是某个字段组的校验结果：成功时 Result 非空，失败时 Error 非空
type FieldOutcome[T any] struct {
	Result *T     `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK 判断该字段组是否校验成功
func (o *FieldOutcome[T]) OK() bool {
	return o != nil && o.Result != nil && o.Error == ""
}

func succeeded[T any](v T) *FieldOutcome[T] {
	return &FieldOutcome[T]{Result: &v}
}

func errored[T any](err error) *FieldOutcome[T] {
	return &FieldOutcome[T]{Error: err.Error()}
}

// ValidationResults 汇总一条记录所有被请求的字段组结果。nil 表示该组未被请求。
type ValidationResults struct {
	Email   *FieldOutcome[EmailResult]   `json:"email,omitempty"`
	Name    *FieldOutcome[NameResult]    `json:"name,omitempty"`
	Phone   *FieldOutcome[PhoneResult]   `json:"phone,omitempty"`
	Address *FieldOutcome[AddressResult] `json:"address,omitempty"`

	errs *multierror.Error
}

func (v *ValidationResults) fail(group FieldGroup, err error) {
	v.errs = multierror.Append(v.errs, &ValidationFieldError{Group: group, Err: err})
}

// Requested 返回被请求校验的字段组
func (v ValidationResults) Requested() []FieldGroup {
	var groups []FieldGroup
	if v.Email != nil {
		groups = append(groups, GroupEmail)
	}
	if v.Name != nil {
		groups = append(groups, GroupName)
	}
	if v.Phone != nil {
		groups = append(groups, GroupPhone)
	}
	if v.Address != nil {
		groups = append(groups, GroupAddress)
	}
	return groups
}

// Succeeded 返回校验无错误的字段组，只有这些组会扣减用量
func (v ValidationResults) Succeeded() []FieldGroup {
	var groups []FieldGroup
	if v.Email.OK() {
		groups = append(groups, GroupEmail)
	}
	if v.Name.OK() {
		groups = append(groups, GroupName)
	}
	if v.Phone.OK() {
		groups = append(groups, GroupPhone)
	}
	if v.Address.OK() {
		groups = append(groups, GroupAddress)
	}
	return groups
}

// Err 返回所有字段错误的聚合，没有错误时为 nil
func (v ValidationResults) Err() error {
	return v.errs.ErrorOrNil()
}

// Empty 判断是否没有任何字段组被请求
func (v ValidationResults) Empty() bool {
	return len(v.Requested()) == 0
}

// marshal 空结果编码为 nil，对应数据库中的 NULL
func (v ValidationResults) marshal() []byte {
	if v.Empty() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
