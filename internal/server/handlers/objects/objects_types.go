package objects

type ObjectRequest struct {
	Key string `form:"key" binding:"required"`
}

type DeleteObjectResponse struct {
	Key     string `json:"key"`
	Success bool   `json:"success"`
}
