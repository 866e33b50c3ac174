package dataset

import "strings"

// COCOClasses are the class names of the pretrained detector. Labels from this
// set are generic and never used as export labels.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "stop sign",
	"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag",
	"tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard",
	"tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot",
	"hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote",
	"keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

var genericClasses = func() map[string]bool {
	m := make(map[string]bool, len(COCOClasses))
	for _, c := range COCOClasses {
		m[c] = true
	}
	return m
}()

// IsGenericClass reports whether label is one of the detector's own classes.
func IsGenericClass(label string) bool {
	return genericClasses[strings.ToLower(strings.TrimSpace(label))]
}
