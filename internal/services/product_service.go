package services

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"wolfshop/internal/models"
	"wolfshop/internal/repositories"
)

// ProductService handles business logic related to products.
type ProductService struct {
	repo repositories.ProductRepository
}

// NewProductService creates a new ProductService.
func NewProductService(repo repositories.ProductRepository) *ProductService {
	return &ProductService{
		repo: repo,
	}
}

// GetAllProducts retrieves all products.
func (s *ProductService) GetAllProducts() ([]models.Product, error) {
	return s.repo.GetAll()
}

// GetProductByID retrieves a single product by its ID.
func (s *ProductService) GetProductByID(id string) (*models.Product, error) {
	return s.repo.GetByID(id)
}

// CreateProduct creates a new product, deriving a unique slug from its
// name when none is supplied.
func (s *ProductService) CreateProduct(product *models.Product) error {
	if product.Name == "" {
		return fmt.Errorf("product name is required: %w", ErrValidation)
	}
	if product.Slug == "" {
		product.Slug = Slugify(product.Name)
	}
	if existing, err := s.repo.GetBySlug(product.Slug); err == nil && existing != nil {
		// Uniquify on collision, same scheme as the storefront importer.
		product.Slug = fmt.Sprintf("%s-%d", product.Slug, time.Now().UnixMilli())
	}
	return s.repo.Create(product)
}

// UpdateProduct updates an existing product.
func (s *ProductService) UpdateProduct(product *models.Product) error {
	return s.repo.Update(product)
}

// DeleteProduct deletes a product by its ID.
func (s *ProductService) DeleteProduct(id string) error {
	return s.repo.Delete(id)
}

// Slugify lowercases the name and collapses every non-alphanumeric run
// into a single hyphen.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
