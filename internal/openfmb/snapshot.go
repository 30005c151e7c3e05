// Package openfmb decodes OpenFMB reading profiles published as protobuf JSON
// and formats their values for display.
package openfmb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMissingField is wrapped by DecodeError when a required field is absent.
var ErrMissingField = errors.New("missing field")

// ErrNotObject is wrapped by DecodeError when a field is present but is not a JSON object.
var ErrNotObject = errors.New("not an object")

// ReadingSections lists the reading keys searched in a profile, in order.
var ReadingSections = []string{"generationReading", "meterReading", "solarReading"}

// EquipmentKeys lists the profile keys that may carry conducting equipment, in order.
var EquipmentKeys = []string{"generatingUnit", "meter", "solarInverter"}

// DecodeError reports a snapshot that does not have the expected shape.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode snapshot: %v", e.Err)
	}
	return fmt.Sprintf("decode snapshot: %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Snapshot is one decoded reading message.
type Snapshot struct {
	IEDMRID   string
	Timestamp time.Time
	Section   string
	Equipment *ConductingEquipment
	Scalars   []Scalar
	Phases    []Phase
}

// ConductingEquipment names the equipment a reading belongs to.
type ConductingEquipment struct {
	Name string
	MRID string
}

// Scalar is a metered value from readingMMTR.
type Scalar struct {
	Name  string
	Value Number // zero when the message omits actVal
	Unit  string
}

// Phase is a complex per-phase measurement from readingMMXU.
type Phase struct {
	Name      string
	Phase     string
	Magnitude Number
	Angle     Number
	Unit      string
}

type member struct {
	Key   string
	Value json.RawMessage
}

type wireScalar struct {
	ActVal *Number `json:"actVal"`
	Units  *struct {
		Value string `json:"value"`
	} `json:"units"`
}

type wireAnalogue struct {
	F *Number `json:"f"`
}

type wirePhase struct {
	CVal *struct {
		Mag *wireAnalogue `json:"mag"`
		Ang *wireAnalogue `json:"ang"`
	} `json:"cVal"`
	Units *struct {
		SIUnit string `json:"SIUnit"`
	} `json:"units"`
}

// Decode parses one reading message. Any shape fault is returned as *DecodeError.
func Decode(data []byte) (*Snapshot, error) {
	root := json.RawMessage(data)

	mridRaw, err := lookup(root, "ied", "identifiedObject", "mRID")
	if err != nil {
		return nil, err
	}
	var mrid string
	if err := json.Unmarshal(mridRaw, &mrid); err != nil {
		return nil, &DecodeError{Path: "ied.identifiedObject.mRID", Err: err}
	}
	if mrid == "" {
		return nil, &DecodeError{Path: "ied.identifiedObject.mRID", Err: ErrMissingField}
	}

	ts, err := lookup(root, "readingMessageInfo", "messageInfo", "messageTimeStamp")
	if err != nil {
		return nil, err
	}
	seconds, err := decodeSeconds(ts)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		IEDMRID:   mrid,
		Timestamp: time.Unix(seconds, 0).UTC(),
	}

	top, err := objectMap(root, "")
	if err != nil {
		return nil, err
	}

	for _, key := range EquipmentKeys {
		raw, ok := top[key]
		if !ok {
			continue
		}
		equipment, err := decodeEquipment(raw, key)
		if err != nil {
			return nil, err
		}
		snap.Equipment = equipment
		break
	}

	var reading json.RawMessage
	for _, key := range ReadingSections {
		if raw, ok := top[key]; ok {
			snap.Section = key
			reading = raw
			break
		}
	}
	if snap.Section == "" {
		return nil, &DecodeError{
			Path: strings.Join(ReadingSections, "|"),
			Err:  ErrMissingField,
		}
	}

	mmtr, err := lookup(reading, "readingMMTR")
	if err != nil {
		return nil, prefixPath(err, snap.Section)
	}
	if snap.Scalars, err = decodeScalars(mmtr, snap.Section+".readingMMTR"); err != nil {
		return nil, err
	}

	mmxu, err := lookup(reading, "readingMMXU")
	if err != nil {
		return nil, prefixPath(err, snap.Section)
	}
	if snap.Phases, err = decodePhases(mmxu, snap.Section+".readingMMXU"); err != nil {
		return nil, err
	}

	return snap, nil
}

func decodeSeconds(ts json.RawMessage) (int64, error) {
	const path = "readingMessageInfo.messageInfo.messageTimeStamp.seconds"

	fields, err := objectMap(ts, "readingMessageInfo.messageInfo.messageTimeStamp")
	if err != nil {
		return 0, err
	}
	raw, ok := fields["seconds"]
	if !ok {
		// protobuf JSON omits zero values
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, &DecodeError{Path: path, Err: err}
	}
	seconds, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, &DecodeError{Path: path, Err: err}
	}
	return seconds, nil
}

func decodeEquipment(raw json.RawMessage, key string) (*ConductingEquipment, error) {
	ce, err := lookup(raw, "conductingEquipment")
	if err != nil {
		return nil, prefixPath(err, key)
	}
	var wire struct {
		MRID        string `json:"mRID"`
		NamedObject *struct {
			Name string `json:"name"`
		} `json:"namedObject"`
	}
	if err := json.Unmarshal(ce, &wire); err != nil {
		return nil, &DecodeError{Path: key + ".conductingEquipment", Err: err}
	}
	equipment := &ConductingEquipment{MRID: wire.MRID}
	if wire.NamedObject != nil {
		equipment.Name = wire.NamedObject.Name
	}
	return equipment, nil
}

func decodeScalars(raw json.RawMessage, path string) ([]Scalar, error) {
	members, err := objectMembers(raw, path)
	if err != nil {
		return nil, err
	}
	scalars := make([]Scalar, 0, len(members))
	for _, m := range members {
		var wire wireScalar
		if err := json.Unmarshal(m.Value, &wire); err != nil {
			return nil, &DecodeError{Path: path + "." + m.Key, Err: err}
		}
		s := Scalar{Name: m.Key}
		if wire.ActVal != nil {
			s.Value = *wire.ActVal
		}
		if wire.Units != nil {
			s.Unit = wire.Units.Value
		}
		scalars = append(scalars, s)
	}
	return scalars, nil
}

func decodePhases(raw json.RawMessage, path string) ([]Phase, error) {
	members, err := objectMembers(raw, path)
	if err != nil {
		return nil, err
	}
	var phases []Phase
	for _, m := range members {
		if !isObject(m.Value) {
			continue
		}
		entries, err := objectMembers(m.Value, path+"."+m.Key)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !isObject(entry.Value) {
				continue
			}
			var wire wirePhase
			if err := json.Unmarshal(entry.Value, &wire); err != nil {
				// Not a CMV; siblings such as mag/units land here.
				continue
			}
			if wire.CVal == nil || wire.CVal.Mag == nil || wire.CVal.Ang == nil ||
				wire.CVal.Mag.F == nil || wire.CVal.Ang.F == nil {
				continue
			}
			p := Phase{
				Name:      m.Key,
				Phase:     entry.Key,
				Magnitude: *wire.CVal.Mag.F,
				Angle:     *wire.CVal.Ang.F,
			}
			if wire.Units != nil {
				p.Unit = wire.Units.SIUnit
			}
			phases = append(phases, p)
		}
	}
	return phases, nil
}

// lookup walks nested objects and returns the raw value at the end of path.
func lookup(raw json.RawMessage, path ...string) (json.RawMessage, error) {
	current := raw
	for i, key := range path {
		parent := strings.Join(path[:i], ".")
		fields, err := objectMap(current, parent)
		if err != nil {
			return nil, err
		}
		next, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(next), []byte("null")) {
			return nil, &DecodeError{Path: strings.Join(path[:i+1], "."), Err: ErrMissingField}
		}
		current = next
	}
	return current, nil
}

func objectMap(raw json.RawMessage, path string) (map[string]json.RawMessage, error) {
	if !isObject(raw) {
		return nil, &DecodeError{Path: path, Err: ErrNotObject}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return fields, nil
}

// objectMembers returns the members of a JSON object in document order.
func objectMembers(raw json.RawMessage, path string) ([]member, error) {
	if !isObject(raw) {
		return nil, &DecodeError{Path: path, Err: ErrNotObject}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	var members []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, &DecodeError{Path: path, Err: err}
		}
		key, _ := tok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, &DecodeError{Path: path + "." + key, Err: err}
		}
		members = append(members, member{Key: key, Value: value})
	}
	return members, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func prefixPath(err error, prefix string) error {
	var de *DecodeError
	if errors.As(err, &de) {
		path := prefix
		if de.Path != "" {
			path = prefix + "." + de.Path
		}
		return &DecodeError{Path: path, Err: de.Err}
	}
	return err
}
