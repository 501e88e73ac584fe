package enrich

import (
	"encoding/json"
	"strconv"

	"github.com/wangyingjie930/nexus-enrich/constants"
)

// Field 是写回 CRM 的一个属性
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FieldMap 是有序、显式构造的提交字段集合
type FieldMap struct {
	fields []Field
	index  map[string]int
}

// Set 设置字段，重复设置会覆盖原值并保持原有顺序
func (m *FieldMap) Set(name, value string) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[name]; ok {
		m.fields[i].Value = value
		return
	}
	m.index[name] = len(m.fields)
	m.fields = append(m.fields, Field{Name: name, Value: value})
}

// setIfPresent 跳过空值，避免把 CRM 中已有的数据覆盖为空
func (m *FieldMap) setIfPresent(name, value string) {
	if value != "" {
		m.Set(name, value)
	}
}

func (m FieldMap) Get(name string) (string, bool) {
	i, ok := m.index[name]
	if !ok {
		return "", false
	}
	return m.fields[i].Value, true
}

func (m FieldMap) Len() int { return len(m.fields) }

// Fields 返回字段的副本
func (m FieldMap) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

func (m FieldMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Fields())
}

// BuildFieldMap 根据各字段组的结果构造提交字段。校验失败的组不写任何字段，
// 这样它的状态标记仍为空，后续事件还会再次请求校验。
func BuildFieldMap(res ValidationResults) FieldMap {
	var m FieldMap

	if res.Email.OK() {
		r := res.Email.Result
		m.Set(constants.FieldEmailStatus, r.Status)
		m.setIfPresent(constants.FieldEmailNormalized, r.Normalized)
		m.Set(constants.FieldEmailDisposable, strconv.FormatBool(r.Disposable))
	}

	if res.Name.OK() {
		r := res.Name.Result
		m.Set(constants.FieldNameStatus, r.Status)
		m.setIfPresent(constants.FieldNameFirst, r.FirstName)
		m.setIfPresent(constants.FieldNameLast, r.LastName)
		m.setIfPresent(constants.FieldNameSalutation, r.Salutation)
	}

	if res.Phone.OK() {
		r := res.Phone.Result
		m.Set(constants.FieldPhoneStatus, r.Status)
		m.setIfPresent(constants.FieldPhoneE164, r.E164)
		m.setIfPresent(constants.FieldPhoneLineType, r.LineType)
		m.setIfPresent(constants.FieldPhoneCountry, r.Country)
	}

	if res.Address.OK() {
		r := res.Address.Result
		m.Set(constants.FieldAddressStatus, r.Status)
		m.setIfPresent(constants.FieldAddressStreet, r.Street)
		m.setIfPresent(constants.FieldAddressCity, r.City)
		m.setIfPresent(constants.FieldAddressState, r.State)
		m.setIfPresent(constants.FieldAddressPostalCode, r.PostalCode)
		m.setIfPresent(constants.FieldAddressCountry, r.Country)
		m.Set(constants.FieldAddressDeliverable, strconv.FormatBool(r.Deliverable))
	}

	return m
}
