package dto

// IdentityDTO 身份解析结果，未命中时 Role 为 unknown
type IdentityDTO struct {
	AccountID    string `json:"account_id"`
	Partition    string `json:"partition"`
	Role         string `json:"role"`
	DisplayName  string `json:"display_name"`
	ContactEmail string `json:"contact_email"`
	Found        bool   `json:"found"`
}
