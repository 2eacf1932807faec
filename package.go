// Package comfyrunpod runs ComfyUI workflows as RunPod serverless jobs.
//
// A job carries an API-format workflow plus optional input images and
// storage settings. The handler package drives one job against a local
// ComfyUI server through the client package, streaming progress chunks and
// ending with either the produced images or an error. The runpod package is
// the caller's side: it submits workflows to a deployed endpoint and follows
// their output stream.
package comfyrunpod
