package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Codec encodes and validates wire frames. Decoding is schema first: the raw
// frame is checked against its type's schema before any Go value is built,
// and commands can only decode into types present in the registry.
type Codec struct {
	commands *CommandRegistry
}

// NewCodec returns a codec that decodes commands through reg. A nil registry
// decodes every frame except CMD frames that carry commands.
func NewCodec(reg *CommandRegistry) (*Codec, error) {
	if _, err := compiledSchemas(); err != nil {
		return nil, eris.Wrap(err, "compile frame schemas")
	}
	return &Codec{commands: reg}, nil
}

func (c *Codec) Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case HelloMsg:
		v.Type = TypeHello
		if v.ProtocolVersion == "" {
			v.ProtocolVersion = Version
		}
		m = v
	case WelcomeMsg:
		v.Type, v.ProtocolVersion = TypeWelcome, Version
		m = v
	case RejectMsg:
		v.Type, v.ProtocolVersion = TypeReject, Version
		m = v
	case StartMsg:
		v.Type, v.ProtocolVersion = TypeStart, Version
		m = v
	case PlayerLeftMsg:
		v.Type = TypePlayerLeft
		m = v
	case nil:
		return nil, eris.New("encode nil message")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrapf(err, "encode %s", m.MessageType())
	}
	return b, nil
}

func (c *Codec) Decode(b []byte) (Message, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidMessage, "not a json object: %v", err)
	}
	all, err := compiledSchemas()
	if err != nil {
		return nil, eris.Wrap(err, "compile frame schemas")
	}
	schema, ok := all[base.Type]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownMessage, "type %q", base.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrapf(ErrInvalidMessage, "%s: %v", base.Type, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, eris.Wrapf(ErrInvalidMessage, "%s: %v", base.Type, err)
	}

	switch base.Type {
	case TypeCommand:
		return c.decodeCommandPacket(b)
	case TypeHash:
		var p CheckupHashPacket
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, eris.Wrapf(ErrInvalidMessage, "HASH: %v", err)
		}
		return &p, nil
	case TypeHello:
		var m HelloMsg
		return m, unmarshalFrame(b, &m)
	case TypeWelcome:
		var m WelcomeMsg
		return m, unmarshalFrame(b, &m)
	case TypeReject:
		var m RejectMsg
		return m, unmarshalFrame(b, &m)
	case TypeStart:
		var m StartMsg
		return m, unmarshalFrame(b, &m)
	case TypePlayerLeft:
		var m PlayerLeftMsg
		return m, unmarshalFrame(b, &m)
	}
	return nil, eris.Wrapf(ErrUnknownMessage, "type %q", base.Type)
}

func unmarshalFrame(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return eris.Wrapf(ErrInvalidMessage, "%v", err)
	}
	return nil
}

func (c *Codec) decodeCommandPacket(b []byte) (*CommandPacket, error) {
	var w commandPacketWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, eris.Wrapf(ErrInvalidMessage, "CMD: %v", err)
	}
	p := &CommandPacket{
		TargetTick: w.TargetTick,
		PlayerID:   w.PlayerID,
		Commands:   make([]Command, 0, len(w.Commands)),
	}
	for i, e := range w.Commands {
		cmd, err := c.DecodeCommand(e.Name, e.Args)
		if err != nil {
			return nil, eris.Wrapf(err, "CMD[%d]", i)
		}
		p.Commands = append(p.Commands, cmd)
	}
	return p, nil
}

// DecodeCommand builds the registered command name from its JSON arguments.
// Unknown fields are rejected.
func (c *Codec) DecodeCommand(name string, args json.RawMessage) (Command, error) {
	var build func() Command
	ok := false
	if c.commands != nil {
		build, ok = c.commands.lookup(name)
	}
	if !ok {
		return nil, eris.Wrapf(ErrUnknownCommand, "%q", name)
	}
	cmd := build()
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return nil, eris.Wrapf(ErrInvalidMessage, "%s: %v", name, err)
	}
	return cmd, nil
}

// EncodeCommand is the inverse of DecodeCommand.
func EncodeCommand(cmd Command) (string, json.RawMessage, error) {
	args, err := json.Marshal(cmd)
	if err != nil {
		return "", nil, eris.Wrapf(err, "command %s", cmd.CommandName())
	}
	return cmd.CommandName(), args, nil
}
