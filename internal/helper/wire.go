package helper

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Messages exchanged with the helper. They are encoded in protobuf wire
// format; field numbers are part of the protocol and must not be reused.
//
//	message Item          { string key = 1; uint64 inode = 2; }
//	message ResolveRequest { repeated Item items = 1; }
//	message Owner         { string key = 1; int64 pid = 2; string exe = 3; string user = 4; repeated string cmdline = 5; }
//	message ResolveReply   { repeated Owner owners = 1; }
//	message PingRequest    {}
//	message PingReply      { int64 pid = 1; }
//	message ShutdownRequest {}
//	message ShutdownReply   {}

type message interface {
	marshal(b []byte) []byte
	unmarshal(b []byte) error
}

type Item struct {
	Key   string
	Inode uint64
}

type ResolveRequest struct {
	Items []Item
}

type Owner struct {
	Key     string
	PID     int64
	Exe     string
	User    string
	Cmdline []string
}

type ResolveReply struct {
	Owners []Owner
}

type PingRequest struct{}

type PingReply struct {
	PID int64
}

type ShutdownRequest struct{}

type ShutdownReply struct{}

// wireCodec plugs the messages above into gRPC.
type wireCodec struct{}

func (wireCodec) Name() string { return "tcpview" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("helper codec: cannot marshal %T", v)
	}
	return m.marshal(nil), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("helper codec: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

func (m *Item) marshal(b []byte) []byte {
	b = appendString(b, 1, m.Key)
	return appendVarint(b, 2, m.Inode)
}

func (m *Item) unmarshal(b []byte) error {
	*m = Item{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Key = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Inode = v
			return n, nil
		}
		return skipField, nil
	})
}

func (m *ResolveRequest) marshal(b []byte) []byte {
	for i := range m.Items {
		b = appendMessage(b, 1, &m.Items[i])
	}
	return b
}

func (m *ResolveRequest) unmarshal(b []byte) error {
	*m = ResolveRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return skipField, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var it Item
		if err := it.unmarshal(v); err != nil {
			return 0, fmt.Errorf("item: %w", err)
		}
		m.Items = append(m.Items, it)
		return n, nil
	})
}

func (m *Owner) marshal(b []byte) []byte {
	b = appendString(b, 1, m.Key)
	b = appendVarint(b, 2, uint64(m.PID))
	b = appendString(b, 3, m.Exe)
	b = appendString(b, 4, m.User)
	for _, arg := range m.Cmdline {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, arg)
	}
	return b
}

func (m *Owner) unmarshal(b []byte) error {
	*m = Owner{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Key = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.PID = int64(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Exe = v
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.User = v
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				m.Cmdline = append(m.Cmdline, v)
			}
			return n, nil
		}
		return skipField, nil
	})
}

func (m *ResolveReply) marshal(b []byte) []byte {
	for i := range m.Owners {
		b = appendMessage(b, 1, &m.Owners[i])
	}
	return b
}

func (m *ResolveReply) unmarshal(b []byte) error {
	*m = ResolveReply{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return skipField, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var o Owner
		if err := o.unmarshal(v); err != nil {
			return 0, fmt.Errorf("owner: %w", err)
		}
		m.Owners = append(m.Owners, o)
		return n, nil
	})
}

func (m *PingRequest) marshal(b []byte) []byte { return b }

func (m *PingRequest) unmarshal(b []byte) error { return walk(b, skipAll) }

func (m *PingReply) marshal(b []byte) []byte {
	return appendVarint(b, 1, uint64(m.PID))
}

func (m *PingReply) unmarshal(b []byte) error {
	*m = PingReply{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.VarintType {
			return skipField, nil
		}
		v, n := protowire.ConsumeVarint(b)
		m.PID = int64(v)
		return n, nil
	})
}

func (m *ShutdownRequest) marshal(b []byte) []byte { return b }

func (m *ShutdownRequest) unmarshal(b []byte) error { return walk(b, skipAll) }

func (m *ShutdownReply) marshal(b []byte) []byte { return b }

func (m *ShutdownReply) unmarshal(b []byte) error { return walk(b, skipAll) }

// skipField asks walk to step over a field the message does not know.
const skipField = math.MinInt32

func skipAll(protowire.Number, protowire.Type, []byte) (int, error) {
	return skipField, nil
}

// walk iterates over the fields of an encoded message. fn returns the number
// of value bytes it consumed, a negative protowire error code, or skipField.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == skipField {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, m message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.marshal(nil))
}
