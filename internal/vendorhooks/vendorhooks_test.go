package vendorhooks

import (
	"testing"

	"github.com/nugget/pts/internal/mailmsg"
)

func TestNoneVendorReportsNoHooksImplemented(t *testing.T) {
	if None.HasGetKeyword() || None.HasAddNewHeaders() || None.HasApproveDefaultMessage() ||
		None.HasGetPseudoPackageList() || None.HasGetPackageInformationSiteURL() {
		t.Error("None vendor should report every hook unimplemented")
	}
	if _, ok := None.Keyword("dpkg", nil); ok {
		t.Error("None.Keyword should report !ok")
	}
	if None.ApproveDefault(nil) {
		t.Error("None.ApproveDefault should default to false")
	}
}

func TestVendorDistinguishesNotImplementedFromFalse(t *testing.T) {
	alwaysFalse := &Vendor{
		Name:                  "always-false",
		ApproveDefaultMessage: func(_ *mailmsg.Message) bool { return false },
	}
	if !alwaysFalse.HasApproveDefaultMessage() {
		t.Fatal("expected ApproveDefaultMessage to be implemented")
	}
	if alwaysFalse.ApproveDefault(&mailmsg.Message{}) {
		t.Error("expected the implemented hook's false return to propagate")
	}

	unimplemented := &Vendor{Name: "bare"}
	if unimplemented.HasApproveDefaultMessage() {
		t.Error("expected ApproveDefaultMessage to report unimplemented")
	}
}

func TestByName(t *testing.T) {
	if v, err := ByName("none"); err != nil || v != None {
		t.Errorf("ByName(none) = %v, %v; want None, nil", v, err)
	}
	if v, err := ByName(""); err != nil || v != None {
		t.Errorf("ByName(\"\") = %v, %v; want None, nil", v, err)
	}
	if v, err := ByName("debian"); err != nil || v != Debian {
		t.Errorf("ByName(debian) = %v, %v; want Debian, nil", v, err)
	}
	if _, err := ByName("ubuntu"); err == nil {
		t.Error("ByName(ubuntu) should error, vendor not supported")
	}
}

func TestDebianGetKeywordBtsControlTranscript(t *testing.T) {
	msg := &mailmsg.Message{}
	must(t, msg.AddHeader("X-Loop", "owner@bugs.debian.org"))
	must(t, msg.AddHeader("X-Debian-PR-Message", "transcript of something"))

	kw, ok := Debian.Keyword("123", msg)
	if !ok || kw != "bts-control" {
		t.Errorf("Keyword = %q, %v; want bts-control, true", kw, ok)
	}
}

func TestDebianGetKeywordBts(t *testing.T) {
	msg := &mailmsg.Message{}
	must(t, msg.AddHeader("X-Loop", "owner@bugs.debian.org"))
	must(t, msg.AddHeader("X-Debian-PR-Message", "report 123"))

	kw, ok := Debian.Keyword("123", msg)
	if !ok || kw != "bts" {
		t.Errorf("Keyword = %q, %v; want bts, true", kw, ok)
	}
}

func TestDebianGetKeywordArchive(t *testing.T) {
	msg := &mailmsg.Message{}
	must(t, msg.AddHeader("X-DAK", "dak"))
	must(t, msg.AddHeader("Subject", "Accepted foo 1.0 (source)"))

	kw, ok := Debian.Keyword("foo", msg)
	if !ok || kw != "upload-binary" {
		t.Errorf("Keyword = %q, %v; want upload-binary, true", kw, ok)
	}
}

func TestDebianGetKeywordNoMatch(t *testing.T) {
	msg := &mailmsg.Message{}
	must(t, msg.AddHeader("Subject", "hello"))

	_, ok := Debian.Keyword("foo", msg)
	if ok {
		t.Error("expected no classification for an unrelated message")
	}
}

func TestDebianAddNewHeaders(t *testing.T) {
	headers := Debian.NewHeaders(&mailmsg.Message{}, "foo", "bugs")
	if len(headers) != 2 || headers[0].Name != "X-Debian-Package" || headers[0].Value != "foo" {
		t.Errorf("NewHeaders = %+v", headers)
	}
}

func TestDebianApproveDefaultMessage(t *testing.T) {
	msg := &mailmsg.Message{}
	must(t, msg.AddHeader("X-Bugzilla-Product", "somepkg"))
	if !Debian.ApproveDefault(msg) {
		t.Error("expected approval when X-Bugzilla-Product is present")
	}

	plain := &mailmsg.Message{}
	if Debian.ApproveDefault(plain) {
		t.Error("expected no approval without X-Bugzilla-Product")
	}
}

func TestDebianPackageInformationSiteURL(t *testing.T) {
	url, ok := Debian.InformationSiteURL("coreutils")
	if !ok || url != "https://packages.debian.org/src:coreutils" {
		t.Errorf("InformationSiteURL = %q, %v", url, ok)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
