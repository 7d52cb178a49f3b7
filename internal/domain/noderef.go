package domain

import (
	"fmt"
	"strings"
)

// NodeRef identifies a node within a store, e.g. workspace://SpacesStore/<id>
type NodeRef struct {
	StoreProtocol string
	StoreID       string
	ID            string
}

func (n NodeRef) IsZero() bool {
	return n == NodeRef{}
}

func (n NodeRef) String() string {
	return fmt.Sprintf("%s://%s/%s", n.StoreProtocol, n.StoreID, n.ID)
}

func ParseNodeRef(raw string) (NodeRef, error) {
	protocol, rest, ok := strings.Cut(raw, "://")
	if !ok || protocol == "" {
		return NodeRef{}, fmt.Errorf("%w: node ref missing protocol: %s", ErrIllegalArgument, raw)
	}

	storeID, id, ok := strings.Cut(rest, "/")
	if !ok || storeID == "" || id == "" {
		return NodeRef{}, fmt.Errorf("%w: node ref missing store or id: %s", ErrIllegalArgument, raw)
	}

	return NodeRef{StoreProtocol: protocol, StoreID: storeID, ID: id}, nil
}
