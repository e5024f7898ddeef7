// facetrack: real-time multi-face tracking with adaptive performance
package main

func main() {
	Execute()
}
