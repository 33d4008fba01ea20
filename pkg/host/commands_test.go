package host

import (
	"errors"
	"strings"
	"testing"

	"github.com/baichuan-protocol/baichuan-go/pkg/encrypt"
	"github.com/baichuan-protocol/baichuan-go/pkg/poll"
	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

func TestLoginBodyNeverCarriesClearPassword(t *testing.T) {
	body, err := buildLoginBody("admin", "hunter2")
	if err != nil {
		t.Fatalf("buildLoginBody: %v", err)
	}
	if strings.Contains(string(body), "hunter2") {
		t.Error("login body contains the clear password")
	}
	if !strings.Contains(string(body), encrypt.PasswordHash("hunter2")) {
		t.Error("login body missing the password digest")
	}
	if !strings.Contains(string(body), "admin") {
		t.Error("login body missing the user name")
	}
}

func TestKeyExchangeRoundTrip(t *testing.T) {
	want := keyExchange{status: rspCodeOK, mode: "aes", nonce: "abc123", offset: 7}

	body, err := buildKeyExchangeBody(want)
	if err != nil {
		t.Fatalf("buildKeyExchangeBody: %v", err)
	}
	got, err := parseKeyExchange(body)
	if err != nil {
		t.Fatalf("parseKeyExchange: %v", err)
	}
	if got != want {
		t.Errorf("key exchange = %+v, want %+v", got, want)
	}
}

func TestParseKeyExchangeMalformed(t *testing.T) {
	if _, err := parseKeyExchange([]byte("<body><Other/></body>")); !errors.Is(err, wire.ErrBadBody) {
		t.Errorf("parseKeyExchange = %v, want ErrBadBody", err)
	}
}

func TestCommandError(t *testing.T) {
	okBody := []byte(`<body><BatteryInfo><batteryPercent>88</batteryPercent></BatteryInfo></body>`)
	if err := commandError(okBody); err != nil {
		t.Errorf("commandError(ok) = %v", err)
	}
	if err := commandError(nil); err != nil {
		t.Errorf("commandError(nil) = %v", err)
	}

	notSupported := []byte(`<body><Error><rspCode>26</rspCode></Error></body>`)
	if err := commandError(notSupported); !errors.Is(err, ErrNotSupported) {
		t.Errorf("commandError(26) = %v, want ErrNotSupported", err)
	}

	rejected := []byte(`<body><Error><rspCode>400</rspCode><detail>bad channel</detail></Error></body>`)
	err := commandError(rejected)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("commandError(400) = %v, want *CommandError", err)
	}
	if cmdErr.Code != 400 || cmdErr.Detail != "bad channel" {
		t.Errorf("CommandError = %+v", cmdErr)
	}

	okStatus := []byte(`<body><Error><rspCode>200</rspCode></Error></body>`)
	if err := commandError(okStatus); err != nil {
		t.Errorf("commandError(200) = %v, want nil", err)
	}
}

func TestCommandTableClassification(t *testing.T) {
	table := newCommandTable()

	nonWaking := []string{"GetBatteryInfo", "GetWifiSignal", "GetMotionState"}
	for _, name := range nonWaking {
		if got := table.Classify(name); got != poll.ClassNonWaking {
			t.Errorf("Classify(%s) = %s, want NON_WAKING", name, got)
		}
	}

	waking := []string{"GetFloodlight", "GetPtzPosition", "GetZoomFocus", "QuickReplyPlay"}
	for _, name := range waking {
		if got := table.Classify(name); got != poll.ClassWaking {
			t.Errorf("Classify(%s) = %s, want WAKING", name, got)
		}
	}

	quickReply, ok := table.Get("QuickReplyPlay")
	if !ok || !quickReply.OneShot {
		t.Error("QuickReplyPlay must be registered one-shot")
	}
	wifi, ok := table.Get("GetWifiSignal")
	if !ok || !wifi.HostScoped {
		t.Error("GetWifiSignal must be registered host-scoped")
	}
}

func TestChannelBody(t *testing.T) {
	build := channelBody("MdState")

	body, err := build(2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	doc, err := wire.ParseBody(body)
	if err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	el, err := wire.BodyElement(doc, "MdState")
	if err != nil {
		t.Fatalf("BodyElement: %v", err)
	}
	if ch, err := wire.ChildInt(el, "channelId"); err != nil || ch != 2 {
		t.Errorf("channelId = %d, %v; want 2", ch, err)
	}

	// Host-scoped requests carry no channel element.
	body, err = build(poll.HostChannel)
	if err != nil {
		t.Fatalf("build host: %v", err)
	}
	if strings.Contains(string(body), "channelId") {
		t.Error("host-scoped body carries a channelId")
	}
}
