// Package vendorhooks implements the per-deployment extension surface
// described by the specification's component C9: a small, named set of
// optional policy hooks the dispatch and control engines consult, with
// a way to tell "the vendor didn't provide this hook" apart from "the
// vendor's hook returned a negative answer".
//
// Grounded on the Design Note's guidance that this is a "table of
// function values selected at boot" rather than a hot-loaded plug-in
// system: one Vendor value is chosen from configuration at process
// start (internal/config) and held for the life of the process, the
// same way the teacher wires a single persona/provider at startup
// (internal/config.Config) rather than discovering one dynamically.
package vendorhooks

import (
	"fmt"

	"github.com/nugget/pts/internal/mailmsg"
)

// Vendor is the full hook table. Every field is optional; a nil field
// means "not implemented", which callers must treat differently from a
// hook that returns a zero value.
type Vendor struct {
	Name string

	// GetKeyword classifies a package message when the envelope local
	// part carries no explicit "_keyword" suffix. Returns ok=false if
	// the vendor declines to classify, in which case the dispatch
	// engine falls back to the "default" keyword.
	GetKeyword func(localPart string, msg *mailmsg.Message) (keyword string, ok bool)

	// AddNewHeaders returns extra headers to append to a dispatched
	// message, beyond the fixed set the dispatch engine always adds.
	AddNewHeaders func(msg *mailmsg.Message, pkg, keyword string) []Header

	// ApproveDefaultMessage decides whether a message classified under
	// the "default" keyword may be dispatched without an explicit
	// X-PTS-Approved header.
	ApproveDefaultMessage func(msg *mailmsg.Message) bool

	// GetPseudoPackageList returns package names that exist for
	// subscription purposes without being real tracked packages (e.g.
	// a vendor's "security" pseudo-package).
	GetPseudoPackageList func() []string

	// GetPackageInformationSiteURL returns a vendor's information page
	// URL for a package, used in confirmation and status mail
	// footers.
	GetPackageInformationSiteURL func(pkg string) (url string, ok bool)
}

// Header is a single extra header a vendor hook contributes.
type Header struct {
	Name  string
	Value string
}

// HasGetKeyword, HasAddNewHeaders, and the rest let callers check
// "implemented?" before invoking a possibly-nil hook without a type
// switch at every call site.

func (v *Vendor) HasGetKeyword() bool                   { return v != nil && v.GetKeyword != nil }
func (v *Vendor) HasAddNewHeaders() bool                { return v != nil && v.AddNewHeaders != nil }
func (v *Vendor) HasApproveDefaultMessage() bool        { return v != nil && v.ApproveDefaultMessage != nil }
func (v *Vendor) HasGetPseudoPackageList() bool         { return v != nil && v.GetPseudoPackageList != nil }
func (v *Vendor) HasGetPackageInformationSiteURL() bool { return v != nil && v.GetPackageInformationSiteURL != nil }

// Keyword calls GetKeyword if implemented, otherwise reports !ok.
func (v *Vendor) Keyword(localPart string, msg *mailmsg.Message) (string, bool) {
	if !v.HasGetKeyword() {
		return "", false
	}
	return v.GetKeyword(localPart, msg)
}

// NewHeaders calls AddNewHeaders if implemented, otherwise returns nil.
func (v *Vendor) NewHeaders(msg *mailmsg.Message, pkg, keyword string) []Header {
	if !v.HasAddNewHeaders() {
		return nil
	}
	return v.AddNewHeaders(msg, pkg, keyword)
}

// ApproveDefault calls ApproveDefaultMessage if implemented, otherwise
// reports false — an unimplemented approval hook never approves, it
// only ever supplements the explicit X-PTS-Approved header.
func (v *Vendor) ApproveDefault(msg *mailmsg.Message) bool {
	if !v.HasApproveDefaultMessage() {
		return false
	}
	return v.ApproveDefaultMessage(msg)
}

// PseudoPackages calls GetPseudoPackageList if implemented, otherwise
// returns nil.
func (v *Vendor) PseudoPackages() []string {
	if !v.HasGetPseudoPackageList() {
		return nil
	}
	return v.GetPseudoPackageList()
}

// InformationSiteURL calls GetPackageInformationSiteURL if
// implemented, otherwise reports !ok.
func (v *Vendor) InformationSiteURL(pkg string) (string, bool) {
	if !v.HasGetPackageInformationSiteURL() {
		return "", false
	}
	return v.GetPackageInformationSiteURL(pkg)
}

// None is the vendor with no hooks implemented, used when
// configuration names no vendor. Every Has* check on it reports false.
var None = &Vendor{Name: "none"}

// ByName resolves a configured vendor name (config.Validate already
// restricts this to "none" or "debian") to its Vendor value. Called
// once at process startup by the dispatch, control, mailpump and
// taskrunner binaries.
func ByName(name string) (*Vendor, error) {
	switch name {
	case "", "none":
		return None, nil
	case "debian":
		return Debian, nil
	default:
		return nil, fmt.Errorf("vendorhooks: unknown vendor %q", name)
	}
}
