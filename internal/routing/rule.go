package routing

import (
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"grimm.is/roamd/internal/nl"
)

// Family selects the address family of a policy rule.
type Family uint8

const (
	FamilyV4 Family = unix.AF_INET
	FamilyV6 Family = unix.AF_INET6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// RuleKey identifies one daemon-owned policy rule: traffic carrying
// Fwmark is steered into Table for the given family.
type RuleKey struct {
	Family Family
	Fwmark uint32
	Table  uint32
}

// ruleHeaderLen is the size of struct fib_rule_hdr.
const ruleHeaderLen = 12

// ruleHeader mirrors struct fib_rule_hdr from linux/fib_rules.h.
type ruleHeader struct {
	Family uint8
	DstLen uint8
	SrcLen uint8
	TOS    uint8
	Table  uint8
	Action uint8
	Flags  uint32
}

func (h ruleHeader) marshal() []byte {
	b := make([]byte, ruleHeaderLen)
	b[0] = h.Family
	b[1] = h.DstLen
	b[2] = h.SrcLen
	b[3] = h.TOS
	b[4] = h.Table
	// b[5] and b[6] are reserved.
	b[7] = h.Action
	nlenc.PutUint32(b[8:12], h.Flags)
	return b
}

func parseRuleHeader(b []byte) (ruleHeader, error) {
	if len(b) < ruleHeaderLen {
		return ruleHeader{}, &nl.ProtocolError{
			Op:     "parse rule",
			Reason: fmt.Sprintf("truncated header: %d bytes", len(b)),
		}
	}
	return ruleHeader{
		Family: b[0],
		DstLen: b[1],
		SrcLen: b[2],
		TOS:    b[3],
		Table:  b[4],
		Action: b[7],
		Flags:  nlenc.Uint32(b[8:12]),
	}, nil
}

// legacyTable squeezes a table id into the one-byte header field.
// Tables beyond the legacy range are marked compat and carried in the
// FRA_TABLE attribute instead, matching what the kernel does on dumps.
func legacyTable(table uint32) uint8 {
	if table < 256 {
		return uint8(table)
	}
	return unix.RT_TABLE_COMPAT
}

// buildRuleQuery encodes a dump request for every rule of one family.
func buildRuleQuery(family Family) netlink.Message {
	hdr := ruleHeader{Family: uint8(family)}
	return netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_GETRULE,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: hdr.marshal(),
	}
}

// buildRuleAdd encodes an exclusive create for key's rule.
func buildRuleAdd(key RuleKey) (netlink.Message, error) {
	data, err := marshalRule(key)
	if err != nil {
		return netlink.Message{}, err
	}
	return netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_NEWRULE,
			Flags: netlink.Request | netlink.Create | netlink.Excl | netlink.Acknowledge,
		},
		Data: data,
	}, nil
}

// buildRuleDelete encodes a delete for key's rule.
func buildRuleDelete(key RuleKey) (netlink.Message, error) {
	data, err := marshalRule(key)
	if err != nil {
		return netlink.Message{}, err
	}
	return netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_DELRULE,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: data,
	}, nil
}

// marshalRule encodes the header and attributes shared by add and
// delete requests. The source selector is zero-length so the rule
// matches every source address.
func marshalRule(key RuleKey) ([]byte, error) {
	hdr := ruleHeader{
		Family: uint8(key.Family),
		Table:  legacyTable(key.Table),
		Action: unix.FR_ACT_TO_TBL,
	}

	ae := netlink.NewAttributeEncoder()
	ae.Bytes(unix.FRA_SRC, nil)
	ae.Uint32(unix.FRA_FWMARK, key.Fwmark)
	ae.Uint32(unix.FRA_TABLE, key.Table)
	attrs, err := ae.Encode()
	if err != nil {
		return nil, &nl.ProtocolError{Op: "encode rule", Reason: err.Error()}
	}
	return append(hdr.marshal(), attrs...), nil
}

// ruleTables extracts the routing table id from each rule record of a
// dump reply. Control messages are skipped; any other non-rule type is
// a protocol violation.
func ruleTables(msgs []netlink.Message) ([]uint32, error) {
	tables := make([]uint32, 0, len(msgs))
	for _, m := range msgs {
		switch m.Header.Type {
		case unix.RTM_NEWRULE:
		case netlink.Done, netlink.Noop:
			continue
		default:
			return nil, &nl.ProtocolError{
				Op:     "rule dump",
				Reason: fmt.Sprintf("unexpected message type %d", m.Header.Type),
			}
		}

		hdr, err := parseRuleHeader(m.Data)
		if err != nil {
			return nil, err
		}
		table := uint32(hdr.Table)

		ad, err := netlink.NewAttributeDecoder(m.Data[ruleHeaderLen:])
		if err != nil {
			return nil, &nl.ProtocolError{Op: "rule dump", Reason: err.Error()}
		}
		for ad.Next() {
			if ad.Type() == unix.FRA_TABLE {
				table = ad.Uint32()
			}
		}
		if err := ad.Err(); err != nil {
			return nil, &nl.ProtocolError{Op: "rule dump", Reason: err.Error()}
		}

		tables = append(tables, table)
	}
	return tables, nil
}

func hasTable(tables []uint32, want uint32) bool {
	for _, t := range tables {
		if t == want {
			return true
		}
	}
	return false
}
