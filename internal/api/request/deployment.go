package request

type CreateDeployment struct {
	CommitSHA     *string `json:"commit_sha" validate:"omitempty,max=64"`
	CommitMessage *string `json:"commit_message" validate:"omitempty,max=1024"`
}
