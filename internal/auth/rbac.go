package auth

// CanReadDocument checks if user can read a document.
func CanReadDocument(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	for _, id := range payload.Permissions.CanRead {
		if id == "*" || id == documentID {
			return true
		}
	}
	return false
}

// CanWriteDocument checks if user can write to a document.
func CanWriteDocument(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	for _, id := range payload.Permissions.CanWrite {
		if id == "*" || id == documentID {
			return true
		}
	}
	return false
}

// AnonymousPermissions grants wildcard read/write without admin rights, used
// when a connection authenticates without a token.
func AnonymousPermissions() DocumentPermissions {
	return DocumentPermissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  false,
	}
}

// AdminPermissions grants full access.
func AdminPermissions() DocumentPermissions {
	return DocumentPermissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  true,
	}
}
