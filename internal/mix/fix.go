package mix

import (
	"bytes"
	"strconv"
	"time"
)

const soh = '\x01'

type field struct {
	tag   int
	value string
}

type builder func(h Header) []field

var builders = map[MsgType]builder{
	NewOrderSingle: func(h Header) []field {
		return withAccount(h, []field{
			{11, h.CorrelationID},
			{21, "1"},
			{55, h.field("symbol", "AAPL")},
			{54, h.field("side", "1")},
			{60, h.SendingTime.UTC().Format(sendingTimeLayout)},
			{38, h.field("qty", "100")},
			{40, "1"},
		})
	},
	OrderCancelRequest: func(h Header) []field {
		return withAccount(h, []field{
			{11, h.CorrelationID},
			{41, "ORIG-" + h.CorrelationID},
			{55, h.field("symbol", "AAPL")},
			{54, h.field("side", "1")},
			{60, h.SendingTime.UTC().Format(sendingTimeLayout)},
			{38, h.field("qty", "100")},
		})
	},
	OrderCancelReplace: func(h Header) []field {
		return withAccount(h, []field{
			{11, h.CorrelationID},
			{41, "ORIG-" + h.CorrelationID},
			{21, "1"},
			{55, h.field("symbol", "AAPL")},
			{54, h.field("side", "1")},
			{60, h.SendingTime.UTC().Format(sendingTimeLayout)},
			{38, h.field("qty", "200")},
			{40, "2"},
			{44, h.field("price", "187.25")},
		})
	},
	TestRequest: func(h Header) []field {
		return []field{{112, h.CorrelationID}}
	},
	Heartbeat: func(h Header) []field {
		return []field{{112, h.CorrelationID}}
	},
}

// withAccount prepends Account(1) when the header carries one.
func withAccount(h Header, fields []field) []field {
	if acct := h.Fields["account"]; acct != "" {
		return append([]field{{1, acct}}, fields...)
	}
	return fields
}

const sendingTimeLayout = "20060102-15:04:05.000"

// render produces a complete FIX message with BodyLength(9) and CheckSum(10).
// pad > 0 appends a Text(58) field so the message reaches roughly pad bytes.
func render(t MsgType, h Header, seq int64, pad int) []byte {
	if h.BeginString == "" {
		h.BeginString = "FIX.4.4"
	}
	if h.TargetCompID == "" {
		h.TargetCompID = "GATEWAY"
	}
	if h.SendingTime.IsZero() {
		h.SendingTime = time.Now()
	}

	var body bytes.Buffer
	writeField(&body, 35, string(t))
	writeField(&body, 49, h.SenderCompID)
	writeField(&body, 56, h.TargetCompID)
	writeField(&body, 34, strconv.FormatInt(seq, 10))
	writeField(&body, 52, h.SendingTime.UTC().Format(sendingTimeLayout))
	for _, f := range builders[t](h) {
		writeField(&body, f.tag, f.value)
	}
	if pad > body.Len() {
		writeField(&body, 58, string(bytes.Repeat([]byte{'X'}, pad-body.Len())))
	}

	var msg bytes.Buffer
	msg.Grow(body.Len() + 32)
	writeField(&msg, 8, h.BeginString)
	writeField(&msg, 9, strconv.Itoa(body.Len()))
	msg.Write(body.Bytes())

	var sum int
	for _, b := range msg.Bytes() {
		sum += int(b)
	}
	writeField(&msg, 10, pad3(sum%256))
	return msg.Bytes()
}

func writeField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(soh)
}

func pad3(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
