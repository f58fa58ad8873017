package contact

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
)

var ErrNotFound = errors.New("contact not found")

// Access tells whether calls from a contact are allowed.
type Access int

const (
	AccessUnknown Access = iota
	AccessAllow
	AccessBlock
)

// Contact is one entry of the address book:
//
//	"Name" <sip:user@host>;access=block
type Contact struct {
	Name   string
	URI    sip.SipUri
	Access Access
	raw    string
}

func (c *Contact) String() string {
	return c.raw
}

// key returns the user@host identity used for lookups.
func key(uri sip.Uri) string {
	user := ""
	if uri.User() != nil {
		user = uri.User().String()
	}
	return strings.ToLower(user + "@" + uri.Host())
}

// Contacts is the address book guarded by a mutex.
type Contacts struct {
	mutex    *sync.Mutex
	contacts map[string]*Contact
	order    []string
}

func New() *Contacts {
	return &Contacts{
		mutex:    new(sync.Mutex),
		contacts: make(map[string]*Contact),
	}
}

// Add parses addr and stores it, replacing an entry with the same identity.
func (cs *Contacts) Add(addr string) (*Contact, error) {
	name, rawURI, rawParams, err := utils.SplitAddress(addr)
	if err != nil {
		return nil, err
	}
	uri, err := parser.ParseSipUri(rawURI)
	if err != nil {
		return nil, fmt.Errorf("contact %q: %w", addr, err)
	}
	params, err := utils.ParseParams(rawParams)
	if err != nil {
		return nil, fmt.Errorf("contact %q: %w", addr, err)
	}

	c := &Contact{Name: name, URI: uri, raw: addr}
	switch strings.ToLower(utils.ParamValue(params, "access")) {
	case "block":
		c.Access = AccessBlock
	case "allow":
		c.Access = AccessAllow
	}

	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	k := key(&uri)
	if _, found := cs.contacts[k]; !found {
		cs.order = append(cs.order, k)
	}
	cs.contacts[k] = c
	return c, nil
}

func (cs *Contacts) Remove(uri sip.Uri) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	k := key(uri)
	if _, found := cs.contacts[k]; !found {
		return fmt.Errorf("%w: %v", ErrNotFound, uri)
	}
	delete(cs.contacts, k)
	for i, o := range cs.order {
		if o == k {
			cs.order = append(cs.order[:i], cs.order[i+1:]...)
			break
		}
	}
	return nil
}

func (cs *Contacts) Find(uri sip.Uri) (*Contact, bool) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	c, ok := cs.contacts[key(uri)]
	return c, ok
}

// List returns the contacts in insertion order.
func (cs *Contacts) List() []*Contact {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	list := make([]*Contact, 0, len(cs.order))
	for _, k := range cs.order {
		list = append(list, cs.contacts[k])
	}
	return list
}

// BlockAccess reports whether calls from peer are to be rejected.
func (cs *Contacts) BlockAccess(peer string) bool {
	uri, err := parser.ParseSipUri(peer)
	if err != nil {
		return false
	}
	c, ok := cs.Find(&uri)
	return ok && c.Access == AccessBlock
}
