package crash

import (
	proto "github.com/gogo/protobuf/proto"
)

// Entry is the per-unit record kept in the results database. It is
// flattened from the analyzer records so that tools reading the database
// don't need to know which analyzers ran.
type Entry struct {
	Name       string        `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Path       string        `protobuf:"bytes,2,opt,name=path,proto3" json:"path,omitempty"`
	SHA256     []byte        `protobuf:"bytes,3,opt,name=sha256,proto3" json:"sha256,omitempty"`
	Size       int64         `protobuf:"varint,4,opt,name=size,proto3" json:"size,omitempty"`
	Reason     string        `protobuf:"bytes,5,opt,name=reason,proto3" json:"reason,omitempty"`
	Stack      []*StackEntry `protobuf:"bytes,6,rep,name=stack,proto3" json:"stack,omitempty"`
	Registers  []*Register   `protobuf:"bytes,7,rep,name=registers,proto3" json:"registers,omitempty"`
	Hash       string        `protobuf:"bytes,8,opt,name=hash,proto3" json:"hash,omitempty"`
	Command    []string      `protobuf:"bytes,9,rep,name=command,proto3" json:"command,omitempty"`
	Timestamp  int64         `protobuf:"varint,10,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Engine     string        `protobuf:"bytes,11,opt,name=engine,proto3" json:"engine,omitempty"`
	Incomplete bool          `protobuf:"varint,12,opt,name=incomplete,proto3" json:"incomplete,omitempty"`
	TimedOut   bool          `protobuf:"varint,13,opt,name=timed_out,json=timedOut,proto3" json:"timed_out,omitempty"`
}

func (m *Entry) Reset()         { *m = Entry{} }
func (m *Entry) String() string { return proto.CompactTextString(m) }
func (*Entry) ProtoMessage()    {}

type StackEntry struct {
	Address uint64 `protobuf:"varint,1,opt,name=address,proto3" json:"address,omitempty"`
	Symbol  string `protobuf:"bytes,2,opt,name=symbol,proto3" json:"symbol,omitempty"`
}

func (m *StackEntry) Reset()         { *m = StackEntry{} }
func (m *StackEntry) String() string { return proto.CompactTextString(m) }
func (*StackEntry) ProtoMessage()    {}

type Register struct {
	Name  string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Value uint64 `protobuf:"varint,2,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *Register) Reset()         { *m = Register{} }
func (m *Register) String() string { return proto.CompactTextString(m) }
func (*Register) ProtoMessage()    {}

// Crashed reports whether the entry records an abnormal stop.
func (m *Entry) Crashed() bool {
	return m.Reason != "" || len(m.Stack) > 0 || m.Incomplete
}

// Fill copies a debugger record into the entry. Register values are taken
// from the first frame, in Registers order.
func (m *Entry) Fill(r Record) {
	m.Reason = r.Reason
	m.Incomplete = r.Incomplete
	m.TimedOut = r.TimedOut
	m.Hash = Bucket(r)
	m.Stack = m.Stack[:0]
	for _, f := range r.Backtrace {
		addr, _ := ParseHex(f.Address)
		m.Stack = append(m.Stack, &StackEntry{Address: addr, Symbol: f.Function})
	}
	m.Registers = m.Registers[:0]
	if len(r.Backtrace) == 0 {
		return
	}
	regs := r.Backtrace[0].Registers
	for _, name := range Registers {
		s, ok := regs[name]
		if !ok {
			continue
		}
		v, err := ParseHex(s)
		if err != nil {
			continue
		}
		m.Registers = append(m.Registers, &Register{Name: name, Value: v})
	}
}
