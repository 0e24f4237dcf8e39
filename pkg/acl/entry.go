package acl

import (
	"strconv"

	"github.com/core-tools/hsu-fixture/pkg/errors"

	"google.golang.org/protobuf/types/known/structpb"
)

type Privilege uint8

const (
	PrivilegeView       Privilege = 1
	PrivilegeProxyView  Privilege = 2
	PrivilegeOperate    Privilege = 3
	PrivilegeManage     Privilege = 4
	PrivilegeAdminister Privilege = 5
)

type AuthMode uint8

const (
	AuthModePASE  AuthMode = 1
	AuthModeCASE  AuthMode = 2
	AuthModeGroup AuthMode = 3
)

// OTA software update clusters.
const (
	OTAProviderClusterID  uint32 = 0x0029
	OTARequestorClusterID uint32 = 0x002A
)

// DefaultAdminNodeID is the controller node granted Administer when an admin entry is requested.
const DefaultAdminNodeID uint64 = 112233

// Target scopes an entry. A nil field is a wildcard.
type Target struct {
	Cluster    *uint32
	Endpoint   *uint16
	DeviceType *uint32
}

// Entry is one access control entry. Nil Subjects or Targets encode as null
// (any subject, any target).
type Entry struct {
	Privilege   Privilege
	AuthMode    AuthMode
	Subjects    []uint64
	Targets     []Target
	FabricIndex uint8
}

// Entry field names on the wire.
const (
	fieldPrivilege   = "privilege"
	fieldAuthMode    = "authMode"
	fieldSubjects    = "subjects"
	fieldTargets     = "targets"
	fieldFabricIndex = "fabricIndex"
	fieldCluster     = "cluster"
	fieldEndpoint    = "endpoint"
	fieldDeviceType  = "deviceType"
)

// OperateGrant allows subject (0 means any node) to operate cluster.
func OperateGrant(subject uint64, cluster uint32) Entry {
	entry := Entry{
		Privilege: PrivilegeOperate,
		AuthMode:  AuthModeCASE,
		Targets:   []Target{{Cluster: &cluster}},
	}
	if subject != 0 {
		entry.Subjects = []uint64{subject}
	}
	return entry
}

// AdminGrant allows adminNode to administer the whole node.
func AdminGrant(adminNode uint64) Entry {
	return Entry{
		Privilege: PrivilegeAdminister,
		AuthMode:  AuthModeCASE,
		Subjects:  []uint64{adminNode},
	}
}

// Encode renders the entry as a structpb struct value. Subject ids are
// decimal strings so 64-bit ids survive the float64 number type.
func (e Entry) Encode() *structpb.Value {
	fields := map[string]*structpb.Value{
		fieldPrivilege: structpb.NewNumberValue(float64(e.Privilege)),
		fieldAuthMode:  structpb.NewNumberValue(float64(e.AuthMode)),
		fieldSubjects:  structpb.NewNullValue(),
		fieldTargets:   structpb.NewNullValue(),
	}
	if e.Subjects != nil {
		subjects := make([]*structpb.Value, 0, len(e.Subjects))
		for _, s := range e.Subjects {
			subjects = append(subjects, structpb.NewStringValue(strconv.FormatUint(s, 10)))
		}
		fields[fieldSubjects] = structpb.NewListValue(&structpb.ListValue{Values: subjects})
	}
	if e.Targets != nil {
		targets := make([]*structpb.Value, 0, len(e.Targets))
		for _, t := range e.Targets {
			targets = append(targets, t.encode())
		}
		fields[fieldTargets] = structpb.NewListValue(&structpb.ListValue{Values: targets})
	}
	if e.FabricIndex != 0 {
		fields[fieldFabricIndex] = structpb.NewNumberValue(float64(e.FabricIndex))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

func (t Target) encode() *structpb.Value {
	fields := map[string]*structpb.Value{
		fieldCluster:    structpb.NewNullValue(),
		fieldEndpoint:   structpb.NewNullValue(),
		fieldDeviceType: structpb.NewNullValue(),
	}
	if t.Cluster != nil {
		fields[fieldCluster] = structpb.NewNumberValue(float64(*t.Cluster))
	}
	if t.Endpoint != nil {
		fields[fieldEndpoint] = structpb.NewNumberValue(float64(*t.Endpoint))
	}
	if t.DeviceType != nil {
		fields[fieldDeviceType] = structpb.NewNumberValue(float64(*t.DeviceType))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// EncodeEntries renders a full ACL attribute value.
func EncodeEntries(entries []Entry) *structpb.Value {
	values := make([]*structpb.Value, 0, len(entries))
	for _, e := range entries {
		values = append(values, e.Encode())
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

// DecodeEntries parses an ACL attribute value. A null value is an empty list.
func DecodeEntries(value *structpb.Value) ([]Entry, error) {
	if value == nil {
		return nil, nil
	}
	if _, ok := value.GetKind().(*structpb.Value_NullValue); ok {
		return nil, nil
	}
	list := value.GetListValue()
	if list == nil {
		return nil, errors.NewValidationError("ACL attribute is not a list", nil)
	}

	entries := make([]Entry, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		entry, err := decodeEntry(v)
		if err != nil {
			return nil, errors.NewValidationError("invalid ACL entry", err).WithContext("index", i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeEntry(value *structpb.Value) (Entry, error) {
	s := value.GetStructValue()
	if s == nil {
		return Entry{}, errors.NewValidationError("entry is not a struct", nil)
	}
	fields := s.GetFields()

	privilege, err := decodeNumber(fields[fieldPrivilege], fieldPrivilege, 0xFF)
	if err != nil {
		return Entry{}, err
	}
	authMode, err := decodeNumber(fields[fieldAuthMode], fieldAuthMode, 0xFF)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		Privilege: Privilege(privilege),
		AuthMode:  AuthMode(authMode),
	}

	if v, ok := fields[fieldFabricIndex]; ok {
		fabric, err := decodeNumber(v, fieldFabricIndex, 0xFF)
		if err != nil {
			return Entry{}, err
		}
		entry.FabricIndex = uint8(fabric)
	}

	if list := fields[fieldSubjects].GetListValue(); list != nil {
		entry.Subjects = make([]uint64, 0, len(list.GetValues()))
		for _, v := range list.GetValues() {
			subject, err := decodeSubject(v)
			if err != nil {
				return Entry{}, err
			}
			entry.Subjects = append(entry.Subjects, subject)
		}
	}

	if list := fields[fieldTargets].GetListValue(); list != nil {
		entry.Targets = make([]Target, 0, len(list.GetValues()))
		for _, v := range list.GetValues() {
			target, err := decodeTarget(v)
			if err != nil {
				return Entry{}, err
			}
			entry.Targets = append(entry.Targets, target)
		}
	}
	return entry, nil
}

func decodeTarget(value *structpb.Value) (Target, error) {
	s := value.GetStructValue()
	if s == nil {
		return Target{}, errors.NewValidationError("target is not a struct", nil)
	}
	var target Target
	if v := s.GetFields()[fieldCluster]; !isNull(v) {
		n, err := decodeNumber(v, fieldCluster, 0xFFFFFFFF)
		if err != nil {
			return Target{}, err
		}
		cluster := uint32(n)
		target.Cluster = &cluster
	}
	if v := s.GetFields()[fieldEndpoint]; !isNull(v) {
		n, err := decodeNumber(v, fieldEndpoint, 0xFFFF)
		if err != nil {
			return Target{}, err
		}
		endpoint := uint16(n)
		target.Endpoint = &endpoint
	}
	if v := s.GetFields()[fieldDeviceType]; !isNull(v) {
		n, err := decodeNumber(v, fieldDeviceType, 0xFFFFFFFF)
		if err != nil {
			return Target{}, err
		}
		deviceType := uint32(n)
		target.DeviceType = &deviceType
	}
	return target, nil
}

func isNull(v *structpb.Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.GetKind().(*structpb.Value_NullValue)
	return ok
}

func decodeNumber(v *structpb.Value, field string, max uint64) (uint64, error) {
	number, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || number.NumberValue < 0 || number.NumberValue > float64(max) || number.NumberValue != float64(uint64(number.NumberValue)) {
		return 0, errors.NewValidationError("field is not a valid unsigned integer", nil).WithContext("field", field)
	}
	return uint64(number.NumberValue), nil
}

// decodeSubject accepts decimal strings and, for ids that fit, plain numbers.
func decodeSubject(v *structpb.Value) (uint64, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		subject, err := strconv.ParseUint(kind.StringValue, 10, 64)
		if err != nil {
			return 0, errors.NewValidationError("invalid subject id", err).WithContext("subject", kind.StringValue)
		}
		return subject, nil
	default:
		return decodeNumber(v, fieldSubjects, 1<<53)
	}
}
