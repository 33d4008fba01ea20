package host

import (
	"bytes"
	"fmt"

	"github.com/baichuan-protocol/baichuan-go/pkg/encrypt"
	"github.com/baichuan-protocol/baichuan-go/pkg/poll"
	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// Wire command ids.
const (
	CmdLogin             uint32 = 1
	CmdLogout            uint32 = 2
	CmdSubscribeEvents   uint32 = 31
	CmdUnsubscribeEvents uint32 = 32
	CmdPing              uint32 = 93
	CmdGetMotionState    uint32 = 102
	CmdGetWifiSignal     uint32 = 115
	CmdGetZoomFocus      uint32 = 208
	CmdGetBatteryInfo    uint32 = 252
	CmdGetFloodlight     uint32 = 291
	CmdQuickReplyPlay    uint32 = 349
	CmdGetPtzPosition    uint32 = 433
)

// buildLoginBody assembles the credentials payload of the handshake.
// The password never travels in clear form.
func buildLoginBody(username, password string) ([]byte, error) {
	doc, el := wire.NewBody("LoginUser")
	wire.SetChildText(el, "userName", username)
	wire.SetChildText(el, "password", encrypt.PasswordHash(password))
	wire.SetChildInt(el, "userVer", 1)
	return wire.MarshalBody(doc)
}

// keyExchange is the device's answer to the login frame: the outcome of
// credential verification plus the cipher parameters for the session.
type keyExchange struct {
	status int
	mode   string
	nonce  string
	offset uint32
}

func parseKeyExchange(body []byte) (keyExchange, error) {
	doc, err := wire.ParseBody(body)
	if err != nil {
		return keyExchange{}, err
	}
	el, err := wire.BodyElement(doc, "Encryption")
	if err != nil {
		return keyExchange{}, err
	}
	status, err := wire.ChildInt(el, "status")
	if err != nil {
		return keyExchange{}, err
	}
	kx := keyExchange{
		status: status,
		mode:   wire.ChildText(el, "type"),
		nonce:  wire.ChildText(el, "nonce"),
	}
	if offset, err := wire.ChildInt(el, "offset"); err == nil {
		kx.offset = uint32(offset)
	}
	return kx, nil
}

// buildKeyExchangeBody is the device side of the handshake; used by the
// in-memory camera in tests.
func buildKeyExchangeBody(kx keyExchange) ([]byte, error) {
	doc, el := wire.NewBody("Encryption")
	wire.SetChildInt(el, "status", kx.status)
	wire.SetChildText(el, "type", kx.mode)
	wire.SetChildText(el, "nonce", kx.nonce)
	wire.SetChildInt(el, "offset", int(kx.offset))
	return wire.MarshalBody(doc)
}

var errElementOpen = []byte("<Error>")

// commandError maps a device rejection body to an error. Bodies without
// an Error element pass as nil.
func commandError(body []byte) error {
	if !bytes.Contains(body, errElementOpen) {
		return nil
	}
	doc, err := wire.ParseBody(body)
	if err != nil {
		return err
	}
	el, err := wire.BodyElement(doc, "Error")
	if err != nil {
		return nil
	}
	code, err := wire.ChildInt(el, "rspCode")
	if err != nil || code == rspCodeOK {
		return nil
	}
	if code == rspCodeNotSupported {
		return fmt.Errorf("%w (rspCode %d)", ErrNotSupported, code)
	}
	return &CommandError{Code: code, Detail: wire.ChildText(el, "detail")}
}

// channelBody returns a Build function producing a request body that
// names the target channel. Host-scoped requests carry no channel.
func channelBody(command string) func(channel int) ([]byte, error) {
	return func(channel int) ([]byte, error) {
		doc, el := wire.NewBody(command)
		if channel != poll.HostChannel {
			wire.SetChildInt(el, "channelId", channel)
		}
		return wire.MarshalBody(doc)
	}
}

// applyFields returns an Apply function that parses the response element
// named like the command and copies the listed child values into the
// state cache. Integer children become ints, everything else stays text.
func applyFields(command string, fields map[string]string) func(channel int, body []byte, cache poll.StateCache) error {
	return func(channel int, body []byte, cache poll.StateCache) error {
		if err := commandError(body); err != nil {
			return err
		}
		doc, err := wire.ParseBody(body)
		if err != nil {
			return err
		}
		el, err := wire.BodyElement(doc, command)
		if err != nil {
			return err
		}
		for child, key := range fields {
			if v, err := wire.ChildInt(el, child); err == nil {
				cache.SetField(channel, key, v)
				continue
			}
			if text := wire.ChildText(el, child); text != "" {
				cache.SetField(channel, key, text)
			}
		}
		return nil
	}
}

// newCommandTable registers the state query catalog.
func newCommandTable() *poll.Table {
	t := poll.NewTable()

	t.MustRegister(poll.Command{
		Name:    "GetBatteryInfo",
		ID:      CmdGetBatteryInfo,
		Class:   poll.ClassNonWaking,
		Feature: "battery",
		Build:   channelBody("BatteryInfo"),
		Apply: applyFields("BatteryInfo", map[string]string{
			"batteryPercent": "battery_percent",
			"chargeStatus":   "charge_status",
			"temperature":    "battery_temperature",
		}),
	})

	t.MustRegister(poll.Command{
		Name:       "GetWifiSignal",
		ID:         CmdGetWifiSignal,
		Class:      poll.ClassNonWaking,
		HostScoped: true,
		Feature:    "wifi",
		Build:      channelBody("WifiSignal"),
		Apply: applyFields("WifiSignal", map[string]string{
			"signal": "wifi_signal",
		}),
	})

	t.MustRegister(poll.Command{
		Name:  "GetMotionState",
		ID:    CmdGetMotionState,
		Class: poll.ClassNonWaking,
		Build: channelBody("MdState"),
		Apply: applyFields("MdState", map[string]string{
			"state": "motion_state",
		}),
	})

	t.MustRegister(poll.Command{
		Name:    "GetFloodlight",
		ID:      CmdGetFloodlight,
		Class:   poll.ClassWaking,
		Feature: "floodlight",
		Build:   channelBody("FloodlightManual"),
		Apply: applyFields("FloodlightManual", map[string]string{
			"status":     "floodlight_status",
			"brightness": "floodlight_brightness",
		}),
	})

	t.MustRegister(poll.Command{
		Name:    "GetPtzPosition",
		ID:      CmdGetPtzPosition,
		Class:   poll.ClassWaking,
		Feature: "ptz",
		Build:   channelBody("PtzPosition"),
		Apply: applyFields("PtzPosition", map[string]string{
			"pan":  "ptz_pan",
			"tilt": "ptz_tilt",
		}),
	})

	t.MustRegister(poll.Command{
		Name:    "GetZoomFocus",
		ID:      CmdGetZoomFocus,
		Class:   poll.ClassWaking,
		Feature: "zoom",
		Build:   channelBody("ZoomFocus"),
		Apply: applyFields("ZoomFocus", map[string]string{
			"zoomPos":  "zoom_position",
			"focusPos": "focus_position",
		}),
	})

	t.MustRegister(poll.Command{
		Name:    "QuickReplyPlay",
		ID:      CmdQuickReplyPlay,
		Class:   poll.ClassWaking,
		OneShot: true,
		Feature: "quick_reply",
		Build:   channelBody("AudioFileList"),
		Apply: applyFields("AudioFileList", map[string]string{
			"count": "quick_reply_count",
		}),
	})

	return t
}
