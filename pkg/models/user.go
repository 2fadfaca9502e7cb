package models

import "slices"

// User is a dashboard operator authenticated by JWT.
type User struct {
	ID         string  `json:"id"`
	Email      string  `json:"email,omitempty"`
	Name       string  `json:"name,omitempty"`
	CompanyIDs []int64 `json:"company_ids,omitempty"`
}

// CanManage reports whether the user may pair numbers for companyID.
func (u *User) CanManage(companyID int64) bool {
	if u == nil {
		return false
	}
	return slices.Contains(u.CompanyIDs, companyID)
}
