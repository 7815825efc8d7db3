package types

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// ValueType discriminates between the three kinds of resource quantities.
type ValueType string

const (
	// ValueScalar is a real-valued quantity, e.g. "cpus:1.5" or "mem:512".
	ValueScalar ValueType = "SCALAR"

	// ValueRanges is a set of disjoint integer intervals, e.g. "ports:[31000-32000]".
	ValueRanges ValueType = "RANGES"

	// ValueSet is a set of distinct strings, e.g. "disks:{sda1,sda2}".
	ValueSet ValueType = "SET"
)

// DefaultRole is the implicit role carried by unreserved resources.
const DefaultRole = "*"

// Reservation is the tag stamped onto a resource quantity when it is reserved. It records the
// principal that made the reservation, plus optional free-form labels.
//
// Two Reservation tags are considered equal only if all of their fields match exactly. Resources
// whose tags differ in any field occupy distinct buckets and are never interchangeable.
type Reservation struct {
	Principal string            `json:"principal"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Equals returns true if both tags match exactly (principal and all labels).
func (r *Reservation) Equals(other *Reservation) bool {
	if r == nil || other == nil {
		return r == other
	}

	if r.Principal != other.Principal || len(r.Labels) != len(other.Labels) {
		return false
	}

	for key, value := range r.Labels {
		if otherValue, ok := other.Labels[key]; !ok || otherValue != value {
			return false
		}
	}

	return true
}

// Clone returns a deep copy of the tag. Cloning a nil tag yields nil.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}

	clone := &Reservation{Principal: r.Principal}
	if r.Labels != nil {
		clone.Labels = make(map[string]string, len(r.Labels))
		for key, value := range r.Labels {
			clone.Labels[key] = value
		}
	}

	return clone
}

// Scalar wraps a decimal quantity. Decimals are used rather than floats so that repeated
// addition and subtraction of fractional quantities (e.g. 0.1 cpus) never drifts.
type Scalar struct {
	Value decimal.Decimal `json:"value"`
}

// Set is a collection of distinct strings.
type Set struct {
	Items []string `json:"item"`
}

// contains returns true if every item of other is present in s.
func (s *Set) contains(other *Set) bool {
	members := make(map[string]struct{}, len(s.Items))
	for _, item := range s.Items {
		members[item] = struct{}{}
	}

	for _, item := range other.Items {
		if _, ok := members[item]; !ok {
			return false
		}
	}

	return true
}

// Resource is a single tagged resource quantity: a name, a role, an optional reservation tag,
// and exactly one of a scalar, range-set, or string-set value.
//
// The triple (name, role, reservation) is the resource's identity: quantities are only ever
// combined, compared, or subtracted against quantities with an identical identity.
type Resource struct {
	Name        string       `json:"name"`
	Type        ValueType    `json:"type"`
	Scalar      *Scalar      `json:"scalar,omitempty"`
	Ranges      *Ranges      `json:"ranges,omitempty"`
	Set         *Set         `json:"set,omitempty"`
	Role        string       `json:"role,omitempty"`
	Reservation *Reservation `json:"reservation,omitempty"`
}

// Validate checks the structural invariants of the Resource: a non-empty name, a recognized
// value type, exactly the matching value field populated, non-negative scalars, and
// well-formed ranges.
func (r *Resource) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: resource has no name", ErrMalformedResource)
	}

	switch r.Type {
	case ValueScalar:
		if r.Scalar == nil || r.Ranges != nil || r.Set != nil {
			return fmt.Errorf("%w: resource \"%s\" of type SCALAR must carry exactly a scalar value", ErrMalformedResource, r.Name)
		}
		if r.Scalar.Value.IsNegative() {
			return fmt.Errorf("%w: resource \"%s\" has negative quantity %s", ErrMalformedResource, r.Name, r.Scalar.Value.String())
		}
	case ValueRanges:
		if r.Ranges == nil || r.Scalar != nil || r.Set != nil {
			return fmt.Errorf("%w: resource \"%s\" of type RANGES must carry exactly a range value", ErrMalformedResource, r.Name)
		}
		if err := r.Ranges.Validate(); err != nil {
			return fmt.Errorf("resource \"%s\": %w", r.Name, err)
		}
	case ValueSet:
		if r.Set == nil || r.Scalar != nil || r.Ranges != nil {
			return fmt.Errorf("%w: resource \"%s\" of type SET must carry exactly a set value", ErrMalformedResource, r.Name)
		}
	default:
		return fmt.Errorf("%w: resource \"%s\" has unknown type \"%s\"", ErrMalformedResource, r.Name, r.Type)
	}

	if r.Reservation != nil && r.Reservation.Principal == "" {
		return fmt.Errorf("%w: resource \"%s\" has a reservation with no principal", ErrMalformedResource, r.Name)
	}

	return nil
}

// EffectiveRole returns the resource's role, substituting DefaultRole when none is set.
func (r *Resource) EffectiveRole() string {
	if r.Role == "" {
		return DefaultRole
	}

	return r.Role
}

// IsReserved returns true if the resource carries a reservation tag.
func (r *Resource) IsReserved() bool {
	return r.Reservation != nil
}

// IsEmpty returns true if the resource carries a zero quantity.
func (r *Resource) IsEmpty() bool {
	switch r.Type {
	case ValueScalar:
		return r.Scalar == nil || r.Scalar.Value.IsZero()
	case ValueRanges:
		return r.Ranges == nil || r.Ranges.IsEmpty()
	case ValueSet:
		return r.Set == nil || len(r.Set.Items) == 0
	}

	return true
}

// SameIdentity returns true if both resources share the (name, role, reservation) identity key.
func (r *Resource) SameIdentity(other *Resource) bool {
	return r.Name == other.Name &&
		r.EffectiveRole() == other.EffectiveRole() &&
		r.Reservation.Equals(other.Reservation)
}

// addable returns true if other can be merged into r (same identity and value type).
func (r *Resource) addable(other *Resource) bool {
	return r.SameIdentity(other) && r.Type == other.Type
}

// Contains returns true if the quantity of other fits entirely within r. Resources with
// differing identities or value types never contain one another.
func (r *Resource) Contains(other *Resource) bool {
	if !r.addable(other) {
		return false
	}

	switch r.Type {
	case ValueScalar:
		return r.Scalar.Value.GreaterThanOrEqual(other.Scalar.Value)
	case ValueRanges:
		return r.Ranges.Contains(other.Ranges)
	case ValueSet:
		return r.Set.contains(other.Set)
	}

	return false
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	clone := &Resource{
		Name:        r.Name,
		Type:        r.Type,
		Role:        r.EffectiveRole(),
		Reservation: r.Reservation.Clone(),
	}

	if r.Scalar != nil {
		clone.Scalar = &Scalar{Value: r.Scalar.Value.Copy()}
	}
	if r.Ranges != nil {
		clone.Ranges = r.Ranges.Clone()
	}
	if r.Set != nil {
		items := make([]string, len(r.Set.Items))
		copy(items, r.Set.Items)
		clone.Set = &Set{Items: items}
	}

	return clone
}

func (r *Resource) String() string {
	var value string
	switch r.Type {
	case ValueScalar:
		value = r.Scalar.Value.String()
	case ValueRanges:
		value = r.Ranges.String()
	case ValueSet:
		value = "{" + strings.Join(r.Set.Items, ",") + "}"
	}

	if r.IsReserved() {
		return fmt.Sprintf("%s(%s, %s):%s", r.Name, r.EffectiveRole(), r.Reservation.Principal, value)
	}

	return fmt.Sprintf("%s(%s):%s", r.Name, r.EffectiveRole(), value)
}

// Resources is a multiset of tagged resource quantities.
//
// Operations on Resources are non-mutating: Plus, Minus, Flatten, and Unflatten all return
// fresh values in canonical form (quantities with identical identities merged, zero quantities
// dropped), leaving the receiver untouched.
type Resources []*Resource

// ParseResources decodes a JSON array of resources (the wire format used by the operator HTTP
// endpoints) and validates every element.
func ParseResources(data []byte) (Resources, error) {
	var resources Resources
	if err := json.Unmarshal(data, &resources); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResource, err.Error())
	}

	if err := resources.Validate(); err != nil {
		return nil, err
	}

	return resources.canonicalize(), nil
}

// Validate checks every element of the multiset.
func (resources Resources) Validate() error {
	for _, resource := range resources {
		if err := resource.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Clone returns a deep copy of the multiset in canonical form.
func (resources Resources) Clone() Resources {
	return resources.canonicalize()
}

// IsEmpty returns true if the multiset carries no non-zero quantity.
func (resources Resources) IsEmpty() bool {
	for _, resource := range resources {
		if !resource.IsEmpty() {
			return false
		}
	}

	return true
}

// Plus returns the sum of the receiver and other.
func (resources Resources) Plus(other Resources) Resources {
	result := resources.canonicalize()
	for _, resource := range other {
		result = result.add(resource)
	}

	return result
}

// Minus returns the difference of the receiver and other.
//
// Minus fails with ErrQuantityUnderflow if other is not contained in the receiver; in that case
// the receiver is returned unchanged in canonical form, so a failed subtraction never exposes a
// partially-mutated result.
func (resources Resources) Minus(other Resources) (Resources, error) {
	if !resources.Contains(other) {
		return resources.canonicalize(), fmt.Errorf("%w: cannot subtract %s from %s",
			ErrQuantityUnderflow, other.String(), resources.String())
	}

	result := resources.canonicalize()
	for _, remove := range other.canonicalize() {
		if remove.IsEmpty() {
			continue
		}

		for i, resource := range result {
			if !resource.addable(remove) {
				continue
			}

			subtracted, err := subtractResource(resource, remove)
			if err != nil {
				return resources.canonicalize(), err
			}

			if subtracted == nil || subtracted.IsEmpty() {
				result = append(result[:i], result[i+1:]...)
			} else {
				result[i] = subtracted
			}

			break
		}
	}

	return result, nil
}

// Contains returns true if other is a sub-multiset of the receiver: every quantity of other,
// matched by the (name, role, reservation) identity key, fits within the receiver's quantity
// for that key.
func (resources Resources) Contains(other Resources) bool {
	available := resources.canonicalize()

	for _, want := range other.canonicalize() {
		if want.IsEmpty() {
			continue
		}

		found := false
		for _, have := range available {
			if have.Contains(want) {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// Flatten stamps the given role and reservation tag onto every quantity in the multiset,
// merging quantities that collapse onto the same identity.
func (resources Resources) Flatten(role string, reservation *Reservation) Resources {
	result := make(Resources, 0, len(resources))
	for _, resource := range resources {
		if resource.IsEmpty() {
			continue
		}

		flattened := resource.Clone()
		flattened.Role = role
		flattened.Reservation = reservation.Clone()
		result = result.add(flattened)
	}

	return result
}

// Unflatten strips every reservation tag and resets every role to DefaultRole, reversing
// Flatten: Unflatten(Flatten(R, role, principal)) == R for all valid R.
func (resources Resources) Unflatten() Resources {
	return resources.Flatten(DefaultRole, nil)
}

// Equals returns true if both multisets carry exactly the same quantities.
func (resources Resources) Equals(other Resources) bool {
	return resources.Contains(other) && other.Contains(resources)
}

func (resources Resources) String() string {
	canonical := resources.canonicalize()

	parts := make([]string, 0, len(canonical))
	for _, resource := range canonical {
		parts = append(parts, resource.String())
	}

	return strings.Join(parts, "; ")
}

// add merges a single resource into the multiset, combining it with an existing entry of the
// same identity if one exists. Zero quantities are dropped.
func (resources Resources) add(resource *Resource) Resources {
	if resource.IsEmpty() {
		return resources
	}

	for i, existing := range resources {
		if !existing.addable(resource) {
			continue
		}

		resources[i] = addResource(existing, resource)
		return resources
	}

	return append(resources, resource.Clone())
}

// canonicalize returns a deep copy with identical identities merged and zero quantities dropped.
func (resources Resources) canonicalize() Resources {
	result := make(Resources, 0, len(resources))
	for _, resource := range resources {
		result = result.add(resource)
	}

	return result
}

// addResource combines two resources known to be addable.
func addResource(a *Resource, b *Resource) *Resource {
	combined := a.Clone()

	switch a.Type {
	case ValueScalar:
		combined.Scalar.Value = a.Scalar.Value.Add(b.Scalar.Value)
	case ValueRanges:
		combined.Ranges = a.Ranges.Plus(b.Ranges)
	case ValueSet:
		members := make(map[string]struct{}, len(a.Set.Items))
		items := make([]string, 0, len(a.Set.Items)+len(b.Set.Items))
		for _, item := range a.Set.Items {
			members[item] = struct{}{}
			items = append(items, item)
		}
		for _, item := range b.Set.Items {
			if _, ok := members[item]; !ok {
				items = append(items, item)
			}
		}
		combined.Set = &Set{Items: items}
	}

	return combined
}

// subtractResource removes b's quantity from a. Both are known to be addable. Returns nil if
// the result is empty.
func subtractResource(a *Resource, b *Resource) (*Resource, error) {
	result := a.Clone()

	switch a.Type {
	case ValueScalar:
		difference := a.Scalar.Value.Sub(b.Scalar.Value)
		if difference.IsNegative() {
			return nil, fmt.Errorf("%w: %s - %s", ErrQuantityUnderflow, a.String(), b.String())
		}
		if difference.IsZero() {
			return nil, nil
		}
		result.Scalar.Value = difference
	case ValueRanges:
		difference, err := a.Ranges.Minus(b.Ranges)
		if err != nil {
			return nil, err
		}
		if difference.IsEmpty() {
			return nil, nil
		}
		result.Ranges = difference
	case ValueSet:
		if !a.Set.contains(b.Set) {
			return nil, fmt.Errorf("%w: %s - %s", ErrQuantityUnderflow, a.String(), b.String())
		}
		removed := make(map[string]struct{}, len(b.Set.Items))
		for _, item := range b.Set.Items {
			removed[item] = struct{}{}
		}
		items := make([]string, 0, len(a.Set.Items))
		for _, item := range a.Set.Items {
			if _, ok := removed[item]; !ok {
				items = append(items, item)
			}
		}
		if len(items) == 0 {
			return nil, nil
		}
		result.Set = &Set{Items: items}
	}

	return result, nil
}

// NewScalarResource is a convenience constructor for an unreserved scalar quantity.
func NewScalarResource(name string, value float64) *Resource {
	return &Resource{
		Name:   name,
		Type:   ValueScalar,
		Scalar: &Scalar{Value: decimal.NewFromFloat(value)},
		Role:   DefaultRole,
	}
}

// NewRangesResource is a convenience constructor for an unreserved range-set quantity.
func NewRangesResource(name string, ranges ...Range) *Resource {
	return &Resource{
		Name:   name,
		Type:   ValueRanges,
		Ranges: NewRanges(ranges...),
		Role:   DefaultRole,
	}
}

// NewSetResource is a convenience constructor for an unreserved string-set quantity.
func NewSetResource(name string, items ...string) *Resource {
	return &Resource{
		Name: name,
		Type: ValueSet,
		Set:  &Set{Items: items},
		Role: DefaultRole,
	}
}
