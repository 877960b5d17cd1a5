package dto

// Response 统一响应体，业务码见 service.ErrorMap
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}
