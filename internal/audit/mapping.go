package audit

import "strings"

// MethodTarget is the relation and object type a gRPC method maps to for
// authorization checks and audit records.
type MethodTarget struct {
	Relation string
	Object   string
}

// ParseFullMethod derives the relation and object for a gRPC full method
// (e.g. /agentgateway.session.v1.SessionService/CreateSession). Relation is a
// verb: read for Get/List, write for Create/Update/Append, delete for
// Delete/Revoke, or the lowercase method name for others. Object is derived
// from the service name (SessionService -> session).
func ParseFullMethod(fullMethod string) MethodTarget {
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return MethodTarget{Relation: "unknown", Object: "unknown"}
	}
	method := fullMethod[slash+1:]
	beforeSlash := fullMethod[:slash]
	dot := strings.LastIndex(beforeSlash, ".")
	if dot < 0 {
		return MethodTarget{Relation: methodToRelation(method), Object: "unknown"}
	}
	return MethodTarget{
		Relation: methodToRelation(method),
		Object:   serviceToObject(beforeSlash[dot+1:]),
	}
}

func serviceToObject(serviceName string) string {
	// SessionService -> session, CheckpointService -> checkpoint
	s := strings.TrimSuffix(serviceName, "Service")
	if s == "" {
		return "unknown"
	}
	return strings.ToLower(s[0:1]) + s[1:]
}

func methodToRelation(method string) string {
	switch {
	case strings.HasPrefix(method, "Get"), strings.HasPrefix(method, "List"), strings.HasPrefix(method, "Read"):
		return "read"
	case strings.HasPrefix(method, "Create"), strings.HasPrefix(method, "Update"), strings.HasPrefix(method, "Append"):
		return "write"
	case strings.HasPrefix(method, "Delete"), strings.HasPrefix(method, "Revoke"), strings.HasPrefix(method, "Prune"):
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
