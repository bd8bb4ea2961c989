package githubclt

import "fmt"

// ForkOperationError is returned when creating, deleting or querying a fork
// via the github API failed.
type ForkOperationError struct {
	Operation  string
	Owner      string
	Repository string
	Err        error
}

func (e *ForkOperationError) Error() string {
	return fmt.Sprintf("fork %s operation for %s/%s failed: %s",
		e.Operation, e.Owner, e.Repository, e.Err)
}

func (e *ForkOperationError) Unwrap() error {
	return e.Err
}

// PublishError is returned when opening a pull request or attaching labels
// to it failed. ResponseBody contains the diagnostic text of the API
// response.
type PublishError struct {
	ResponseBody string
	Err          error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing pull request failed: %s", e.ResponseBody)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
