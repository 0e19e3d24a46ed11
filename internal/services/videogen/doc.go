// Package videogen talks to the video generation provider. Generation is
// asynchronous on the provider side: a submit call returns a job id and the
// client polls until the job lands or the context deadline cuts it off.
package videogen
