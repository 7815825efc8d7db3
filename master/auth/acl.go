package auth

import (
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

// EntityType discriminates the three ways an ACL entity can match.
type EntityType string

const (
	// EntitySome matches only the listed values.
	EntitySome EntityType = "SOME"

	// EntityAny matches every value.
	EntityAny EntityType = "ANY"

	// EntityNone matches no value.
	EntityNone EntityType = "NONE"
)

// Entity is one dimension of an access control rule: a set of principals, roles, or reserver
// principals that the rule applies to.
type Entity struct {
	Type   EntityType `json:"type" yaml:"type"`
	Values []string   `json:"values,omitempty" yaml:"values,omitempty"`
}

// matches reports whether the entity covers the given value. An Entity with an empty Type
// defaults to EntitySome over its Values.
func (e *Entity) matches(value string) bool {
	switch e.Type {
	case EntityAny:
		return true
	case EntityNone:
		return false
	default:
		for _, candidate := range e.Values {
			if candidate == value {
				return true
			}
		}
		return false
	}
}

// ReserveRule authorizes principals to reserve resources for roles. The first rule whose
// Principals entity covers the acting principal decides the outcome via its Roles entity.
type ReserveRule struct {
	Principals Entity `json:"principals" yaml:"principals"`
	Roles      Entity `json:"roles" yaml:"roles"`
}

// UnreserveRule authorizes principals to unreserve resources. Unlike reserve rules, unreserve
// rules match on two principal dimensions: the acting principal and the reserver principal
// whose prior reservation is being undone. This permits policies such as "principal P may
// reserve anything but may only unreserve resources that P itself reserved".
type UnreserveRule struct {
	Principals         Entity `json:"principals" yaml:"principals"`
	ReserverPrincipals Entity `json:"reserver_principals" yaml:"reserver_principals"`
}

// ACLs is the full access-control rule set evaluated by the ACLAuthorizer.
//
// When Permissive is true, a request matched by no rule is allowed; when false, it is denied.
type ACLs struct {
	Permissive         bool            `json:"permissive" yaml:"permissive"`
	ReserveResources   []ReserveRule   `json:"reserve_resources,omitempty" yaml:"reserve_resources,omitempty"`
	UnreserveResources []UnreserveRule `json:"unreserve_resources,omitempty" yaml:"unreserve_resources,omitempty"`
}

// Authorizer evaluates access-control rules for reserve and unreserve actions.
type Authorizer interface {
	// AuthorizeReserve checks that the acting principal may reserve resources for every one
	// of the given roles. Denial yields ErrUnauthorized.
	AuthorizeReserve(principal string, roles []string) error

	// AuthorizeUnreserve checks that the acting principal may undo reservations made by every
	// one of the given reserver principals. Denial yields ErrUnauthorized.
	AuthorizeUnreserve(principal string, reserverPrincipals []string) error
}

// ACLAuthorizer is the rule-list Authorizer used in production. Rules are evaluated in order;
// the first rule whose Principals entity covers the acting principal decides the outcome for a
// given object, and the Permissive flag decides objects no rule speaks to.
type ACLAuthorizer struct {
	log  logger.Logger
	acls ACLs
}

// NewACLAuthorizer creates an authorizer over the given rule set.
func NewACLAuthorizer(acls ACLs) *ACLAuthorizer {
	authorizer := &ACLAuthorizer{acls: acls}
	config.InitLogger(&authorizer.log, authorizer)

	return authorizer
}

// AuthorizeReserve checks every requested role against the reserve rules.
func (a *ACLAuthorizer) AuthorizeReserve(principal string, roles []string) error {
	for _, role := range roles {
		allowed := a.acls.Permissive

		for _, rule := range a.acls.ReserveResources {
			if !rule.Principals.matches(principal) {
				continue
			}

			allowed = rule.Roles.matches(role)
			break
		}

		if !allowed {
			a.log.Warn("Denying principal \"%s\" permission to reserve resources for role \"%s\".", principal, role)
			return fmt.Errorf("%w: principal \"%s\" may not reserve resources for role \"%s\"",
				ErrUnauthorized, principal, role)
		}
	}

	return nil
}

// AuthorizeUnreserve checks every reserver principal against the unreserve rules.
func (a *ACLAuthorizer) AuthorizeUnreserve(principal string, reserverPrincipals []string) error {
	for _, reserver := range reserverPrincipals {
		allowed := a.acls.Permissive

		for _, rule := range a.acls.UnreserveResources {
			if !rule.Principals.matches(principal) {
				continue
			}

			allowed = rule.ReserverPrincipals.matches(reserver)
			break
		}

		if !allowed {
			a.log.Warn("Denying principal \"%s\" permission to unreserve resources reserved by \"%s\".", principal, reserver)
			return fmt.Errorf("%w: principal \"%s\" may not unreserve resources reserved by \"%s\"",
				ErrUnauthorized, principal, reserver)
		}
	}

	return nil
}
